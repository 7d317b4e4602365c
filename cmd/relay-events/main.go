package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/pflag"
)

// Event is one row of the events table plus its children.
type Event struct {
	ID        int64
	Timestamp int64
	ParentID  sql.NullInt64
	EventType string
	Payload   sql.NullString
	Children  []*Event
}

type options struct {
	dbPath    string
	eventID   int64
	maxDepth  int
	jsonOut   bool
	noPayload bool
	list      int
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	var opts options
	flags := pflag.NewFlagSet("relay-events", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&opts.dbPath, "db", envOrDefault("RELAYBOT_DB_PATH", "./relaybot.db"), "SQLite database path")
	flags.Int64Var(&opts.eventID, "id", 0, "show the subtree of a specific event ID")
	flags.IntVarP(&opts.maxDepth, "depth", "L", 0, "limit display depth (0 = unlimited)")
	flags.BoolVar(&opts.jsonOut, "json", false, "output JSON")
	flags.BoolVar(&opts.noPayload, "no-payload", false, "hide payload details")
	flags.IntVar(&opts.list, "list", 0, "list the N most recent bot runs instead of a tree")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	if err := render(opts, stdout); err != nil {
		fmt.Fprintf(stderr, "relay-events: %v\n", err)
		return 1
	}
	return 0
}

func render(opts options, w io.Writer) error {
	db, err := sql.Open("sqlite3", "file:"+opts.dbPath+"?mode=ro")
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}

	if opts.list > 0 {
		runs, err := recentRuns(db, opts.list)
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}
		for _, ev := range runs {
			fmt.Fprintln(w, formatEvent(ev, opts.noPayload))
		}
		return nil
	}

	rootID := opts.eventID
	if rootID == 0 {
		rootID, err = latestRun(db)
		if err != nil {
			return err
		}
	}

	events, err := querySubtree(db, rootID)
	if err != nil {
		return fmt.Errorf("query subtree: %w", err)
	}
	root := buildTree(events, rootID)
	if root == nil {
		return fmt.Errorf("event %d not found", rootID)
	}

	if opts.jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(toJSONEvent(root, 1, opts.maxDepth, opts.noPayload))
	}
	p := treePrinter{w: w, maxDepth: opts.maxDepth, noPayload: opts.noPayload}
	p.print(root, "", true, 1)
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

const runsQuery = `SELECT id, timestamp, parent_id, event_type, payload FROM events
	WHERE event_type = 'process.started' AND json_extract(payload, '$.role') = 'relaybot'
	ORDER BY id DESC LIMIT ?`

// latestRun finds the most recent process.started event logged by the bot.
func latestRun(db *sql.DB) (int64, error) {
	runs, err := recentRuns(db, 1)
	if err != nil {
		return 0, err
	}
	if len(runs) == 0 {
		return 0, errors.New("no relaybot process.started event found")
	}
	return runs[0].ID, nil
}

func recentRuns(db *sql.DB, limit int) ([]*Event, error) {
	rows, err := db.Query(runsQuery, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// querySubtree returns every event below rootID, rootID included, in id order.
func querySubtree(db *sql.DB, rootID int64) ([]*Event, error) {
	rows, err := db.Query(`
		WITH RECURSIVE subtree(id) AS (
			SELECT id FROM events WHERE id = ?
			UNION ALL
			SELECT e.id FROM events e JOIN subtree s ON e.parent_id = s.id
		)
		SELECT e.id, e.timestamp, e.parent_id, e.event_type, e.payload
		FROM events e
		WHERE e.id IN (SELECT id FROM subtree)
		ORDER BY e.id ASC
	`, rootID)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	defer rows.Close()
	var events []*Event
	for rows.Next() {
		ev := &Event{}
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.ParentID, &ev.EventType, &ev.Payload); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// buildTree links a flat event list into a tree and returns the rootID node.
func buildTree(events []*Event, rootID int64) *Event {
	byID := make(map[int64]*Event, len(events))
	for _, ev := range events {
		byID[ev.ID] = ev
	}
	for _, ev := range events {
		if !ev.ParentID.Valid || ev.ParentID.Int64 == ev.ID {
			continue
		}
		if parent, ok := byID[ev.ParentID.Int64]; ok {
			parent.Children = append(parent.Children, ev)
		}
	}
	for _, ev := range events {
		sort.Slice(ev.Children, func(i, j int) bool {
			return ev.Children[i].ID < ev.Children[j].ID
		})
	}
	return byID[rootID]
}

type treePrinter struct {
	w         io.Writer
	maxDepth  int
	noPayload bool
}

// print renders ev and its children with box-drawing connectors.
func (p treePrinter) print(ev *Event, prefix string, isLast bool, depth int) {
	line := formatEvent(ev, p.noPayload)
	if depth == 1 {
		fmt.Fprintln(p.w, line)
	} else {
		connector := "├── "
		if isLast {
			connector = "└── "
		}
		fmt.Fprintln(p.w, prefix+connector+line)
	}

	childPrefix := prefix
	if depth > 1 {
		if isLast {
			childPrefix += "    "
		} else {
			childPrefix += "│   "
		}
	}

	if p.maxDepth > 0 && depth >= p.maxDepth {
		if len(ev.Children) > 0 {
			fmt.Fprintln(p.w, childPrefix+"└── [...]")
		}
		return
	}
	for i, child := range ev.Children {
		p.print(child, childPrefix, i == len(ev.Children)-1, depth+1)
	}
}

// formatEvent renders "[id] time  type  key=value ..." with keys sorted.
func formatEvent(ev *Event, noPayload bool) string {
	var b strings.Builder
	ts := time.Unix(ev.Timestamp, 0).UTC().Format("2006-01-02 15:04:05")
	fmt.Fprintf(&b, "[%d] %s  %s", ev.ID, ts, ev.EventType)

	if noPayload {
		return b.String()
	}
	m := decodePayload(ev)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s=%s", k, formatValue(m[k]))
	}
	return b.String()
}

func decodePayload(ev *Event) map[string]any {
	if !ev.Payload.Valid || ev.Payload.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ev.Payload.String), &m); err != nil {
		return nil
	}
	return m
}

// formatValue turns a payload value into display text, quoting long strings
// after truncation.
func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		if r := []rune(val); len(r) > 80 {
			return fmt.Sprintf("%q", string(r[:80])+"...")
		}
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, formatValue(item))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprintf("%v", val)
	}
}

type jsonEvent struct {
	ID        int64       `json:"id"`
	Timestamp int64       `json:"timestamp"`
	EventType string      `json:"event_type"`
	Payload   any         `json:"payload,omitempty"`
	Children  []jsonEvent `json:"children,omitempty"`
}

func toJSONEvent(ev *Event, depth, maxDepth int, noPayload bool) jsonEvent {
	je := jsonEvent{ID: ev.ID, Timestamp: ev.Timestamp, EventType: ev.EventType}
	if !noPayload {
		if m := decodePayload(ev); m != nil {
			je.Payload = m
		}
	}
	if maxDepth > 0 && depth >= maxDepth {
		return je
	}
	for _, child := range ev.Children {
		je.Children = append(je.Children, toJSONEvent(child, depth+1, maxDepth, noPayload))
	}
	return je
}
