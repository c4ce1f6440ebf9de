// Package store persists snapshots of the process table to a single-file
// SQLite database, and reads them back for historical browsing.
//
// The layout is relational: one row per calendar day in dates, one row per
// (pid, day) in processes, one row per (pid, day, 5-tuple) in links.  A
// snapshot writes absolute counter values and replaces on conflict, so
// re-snapshotting the same state is idempotent.
package store

import (
	"database/sql"
	"fmt"
	"net/netip"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mdolmen/netw/event"
	"github.com/mdolmen/netw/netstat"
)

const schema = `
CREATE TABLE IF NOT EXISTS dates (
	date_id		INTEGER PRIMARY KEY,
	date_str	TEXT UNIQUE NOT NULL
);
CREATE TABLE IF NOT EXISTS processes (
	p_pid		INTEGER,
	p_date_id	INTEGER,
	p_name		TEXT NOT NULL DEFAULT '',
	p_rx		INTEGER,
	p_tx		INTEGER,
	PRIMARY KEY (p_pid, p_date_id),
	FOREIGN KEY (p_date_id) REFERENCES dates(date_id)
);
CREATE TABLE IF NOT EXISTS protocols (
	prot_id		INTEGER PRIMARY KEY,
	prot_name	TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS links (
	l_p_pid		INTEGER,
	l_date_id	INTEGER,
	l_saddr		TEXT NOT NULL DEFAULT '',
	l_daddr		TEXT NOT NULL DEFAULT '',
	l_lport		INTEGER,
	l_dport		INTEGER,
	l_rx		INTEGER,
	l_tx		INTEGER,
	l_prot_id	INTEGER,
	l_domain	TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (l_p_pid, l_date_id, l_saddr, l_daddr, l_lport, l_dport),
	FOREIGN KEY (l_date_id) REFERENCES dates(date_id),
	FOREIGN KEY (l_prot_id) REFERENCES protocols(prot_id)
);
`

// DB wraps the SQLite handle.  Writers serialize at the transaction
// boundary; readers may overlap with a writer under SQLite's own locking.
type DB struct {
	conn *sql.DB
}

// Open opens or creates the store at the given path and ensures the schema
// and the protocol lookup rows exist.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, err
	}
	for _, p := range []event.Protocol{event.TCP, event.UDP, event.NONE} {
		_, err := conn.Exec(
			`INSERT INTO protocols (prot_id, prot_name) VALUES (?, ?)
			 ON CONFLICT (prot_id) DO NOTHING`,
			int(p), p.String())
		if err != nil {
			conn.Close()
			return nil, err
		}
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying handle.
func (db *DB) Close() error {
	return db.conn.Close()
}

// SaveSnapshot upserts one point-in-time copy of the process table under its
// processes' dates.  All rows land in one transaction; on any error the
// transaction is rolled back and nothing is written.
//
// Counters are written as absolute values with replace-on-conflict
// semantics, so saving the same snapshot twice leaves the stored rows
// unchanged.
func (db *DB) SaveSnapshot(procs []*netstat.Process) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	dateStmt, err := tx.Prepare(
		`INSERT INTO dates (date_id, date_str) VALUES (?, ?)
		 ON CONFLICT (date_id) DO NOTHING`)
	if err != nil {
		return err
	}
	defer dateStmt.Close()

	procStmt, err := tx.Prepare(
		`INSERT INTO processes (p_pid, p_date_id, p_name, p_rx, p_tx)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (p_pid, p_date_id) DO UPDATE SET
			p_name = excluded.p_name,
			p_rx = excluded.p_rx,
			p_tx = excluded.p_tx`)
	if err != nil {
		return err
	}
	defer procStmt.Close()

	linkStmt, err := tx.Prepare(
		`INSERT INTO links (l_p_pid, l_date_id, l_saddr, l_daddr,
			l_lport, l_dport, l_rx, l_tx, l_prot_id, l_domain)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (l_p_pid, l_date_id, l_saddr, l_daddr, l_lport, l_dport)
		 DO UPDATE SET
			l_rx = excluded.l_rx,
			l_tx = excluded.l_tx,
			l_domain = excluded.l_domain`)
	if err != nil {
		return err
	}
	defer linkStmt.Close()

	for _, p := range procs {
		if _, err := dateStmt.Exec(int(p.Date), p.Date.String()); err != nil {
			return err
		}
		if _, err := procStmt.Exec(p.PID, int(p.Date), p.Name, p.RX, p.TX); err != nil {
			return err
		}
		for _, links := range [][]*netstat.Link{p.TCP, p.UDP} {
			for _, l := range links {
				_, err := linkStmt.Exec(
					p.PID, int(p.Date),
					l.SAddr.String(), l.DAddr.String(),
					l.LPort, l.DPort, l.RX, l.TX,
					int(l.Proto), l.Domain)
				if err != nil {
					return err
				}
			}
		}
	}
	return tx.Commit()
}

// GetDates returns every date seen, oldest first.
func (db *DB) GetDates() ([]string, error) {
	rows, err := db.conn.Query(
		`SELECT DISTINCT date_str FROM dates ORDER BY date_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}

// GetProcs reconstructs every stored process record, links included, ordered
// by date then pid.
func (db *DB) GetProcs() ([]*netstat.Process, error) {
	rows, err := db.conn.Query(
		`SELECT p_pid, p_name, p_rx, p_tx, p_date_id
		 FROM processes JOIN dates ON p_date_id = date_id
		 ORDER BY p_date_id, p_pid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var procs []*netstat.Process
	for rows.Next() {
		p := &netstat.Process{}
		var date int
		if err := rows.Scan(&p.PID, &p.Name, &p.RX, &p.TX, &date); err != nil {
			return nil, err
		}
		p.Date = netstat.Date(date)
		procs = append(procs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, p := range procs {
		if err := db.getLinks(p); err != nil {
			return nil, err
		}
	}
	return procs, nil
}

// getLinks hydrates the TCP and UDP lists of p from the links table.
func (db *DB) getLinks(p *netstat.Process) error {
	rows, err := db.conn.Query(
		`SELECT l_saddr, l_daddr, l_lport, l_dport, l_rx, l_tx, l_prot_id, l_domain
		 FROM links WHERE l_p_pid = ? AND l_date_id = ? ORDER BY rowid`,
		p.PID, int(p.Date))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		l := &netstat.Link{}
		var saddr, daddr string
		var prot int
		if err := rows.Scan(&saddr, &daddr, &l.LPort, &l.DPort,
			&l.RX, &l.TX, &prot, &l.Domain); err != nil {
			return err
		}
		if l.SAddr, err = netip.ParseAddr(saddr); err != nil {
			return fmt.Errorf("bad stored address %q: %w", saddr, err)
		}
		if l.DAddr, err = netip.ParseAddr(daddr); err != nil {
			return fmt.Errorf("bad stored address %q: %w", daddr, err)
		}
		l.Proto = event.Protocol(prot)
		switch l.Proto {
		case event.UDP:
			p.UDP = append(p.UDP, l)
		default:
			p.TCP = append(p.TCP, l)
		}
	}
	return rows.Err()
}
