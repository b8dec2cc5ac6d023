// Command admin is an offline inspection tool for vitalsim data
// directories: it lists worlds, dumps player and stat rows straight
// from a world database and decodes the compressed audit trail. It
// opens databases read-only and is safe to run against a live server.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "players":
			playersCmd(os.Args[2:])
			return
		case "stats":
			statsCmd(os.Args[2:])
			return
		case "audit":
			auditCmd(os.Args[2:])
			return
		case "schema":
			schemaCmd(os.Args[2:])
			return
		}
	}
	worldsCmd(os.Args[1:])
}

func worldsCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	entries, err := os.ReadDir(filepath.Join(*dataDir, "worlds"))
	if err != nil {
		fatal("read:", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			fmt.Println(e.Name())
		}
	}
}

func openWorldDB(dataDir, worldID string) *sqlx.DB {
	if strings.TrimSpace(worldID) == "" {
		fmt.Fprintln(os.Stderr, "missing -world")
		os.Exit(2)
	}
	path := filepath.Join(dataDir, "worlds", worldID, "world.db")
	db, err := sqlx.Open("sqlite", path+"?mode=ro")
	if err != nil {
		fatal("open:", err)
	}
	return db
}

func playersCmd(args []string) {
	fs := flag.NewFlagSet("players", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id (required)")
	limit := fs.Int("limit", 50, "result limit")
	_ = fs.Parse(args)

	db := openWorldDB(*dataDir, *worldID)
	defer db.Close()

	var rows []struct {
		ID        string `db:"id"`
		FirstSeen int64  `db:"first_seen"`
		LastSeen  int64  `db:"last_seen"`
	}
	err := db.Select(&rows,
		`SELECT id, first_seen, last_seen FROM players ORDER BY last_seen DESC LIMIT ?`, *limit)
	if err != nil {
		fatal("query:", err)
	}
	for _, r := range rows {
		fmt.Printf("%s\tfirst=%s\tlast=%s\n", r.ID,
			time.UnixMilli(r.FirstSeen).UTC().Format(time.RFC3339),
			time.UnixMilli(r.LastSeen).UTC().Format(time.RFC3339))
	}
}

func statsCmd(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id (required)")
	playerID := fs.String("player", "", "player id filter (optional)")
	_ = fs.Parse(args)

	db := openWorldDB(*dataDir, *worldID)
	defer db.Close()

	q := `SELECT player_id, stat_name, value FROM metabolism_stats`
	var qargs []any
	if strings.TrimSpace(*playerID) != "" {
		q += ` WHERE player_id = ?`
		qargs = append(qargs, *playerID)
	}
	q += ` ORDER BY player_id, stat_name`

	var rows []struct {
		PlayerID string  `db:"player_id"`
		StatName string  `db:"stat_name"`
		Value    float64 `db:"value"`
	}
	if err := db.Select(&rows, q, qargs...); err != nil {
		fatal("query:", err)
	}
	for _, r := range rows {
		fmt.Printf("%s\t%s\t%.3f\n", r.PlayerID, r.StatName, r.Value)
	}
}

func schemaCmd(args []string) {
	fs := flag.NewFlagSet("schema", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id (required)")
	_ = fs.Parse(args)

	db := openWorldDB(*dataDir, *worldID)
	defer db.Close()

	var rows []struct {
		ModuleID string `db:"module_id"`
		Version  int    `db:"version"`
	}
	err := db.Select(&rows,
		`SELECT module_id, version FROM module_schema_versions ORDER BY module_id`)
	if err != nil {
		fatal("query:", err)
	}
	for _, r := range rows {
		fmt.Printf("%s\tv%d\n", r.ModuleID, r.Version)
	}
}

// auditCmd streams the hourly zstd JSONL files in time order, raw
// lines; pipe into jq for filtering.
func auditCmd(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	dir := filepath.Join(*dataDir, "audit")
	entries, err := os.ReadDir(dir)
	if err != nil {
		fatal("read:", err)
	}
	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".jsonl.zst") {
			continue
		}
		f, err := os.Open(filepath.Join(dir, e.Name()))
		if err != nil {
			fatal("open:", err)
		}
		dec, err := zstd.NewReader(f)
		if err != nil {
			_ = f.Close()
			fatal("zstd:", err)
		}
		sc := bufio.NewScanner(dec)
		sc.Buffer(make([]byte, 0, 1<<16), 1<<20)
		for sc.Scan() {
			fmt.Fprintln(out, sc.Text())
		}
		dec.Close()
		_ = f.Close()
	}
}

func fatal(msg string, err error) {
	fmt.Fprintln(os.Stderr, msg, err)
	os.Exit(1)
}
