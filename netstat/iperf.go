package netstat

import (
	"encoding/json"
	"os"
)

// The integration harness drives iperf3 through the probes and compares the
// counters we report against what iperf itself reports.  An iperf run
// produces one bulk link and one control link per side; the heuristics below
// pick out the bulk side.
//
// For TCP the control link carries traffic both ways, so the bulk link is
// the one with rx or tx still at zero.  For UDP both links carry data, but
// the opposite direction of the bulk link holds exactly the 4-byte iperf
// handshake; the listener's wildcard link (daddr unspecified) is skipped.

const iperfProcName = "iperf3"

// BulkTotals holds the two directions of one recognized bulk flow.
type BulkTotals struct {
	RX int64 `json:"rx"`
	TX int64 `json:"tx"`
}

// IperfReport is the document written at shutdown in test mode.
type IperfReport struct {
	TCP4 BulkTotals `json:"tcp4"`
	TCP6 BulkTotals `json:"tcp6"`
	UDP4 BulkTotals `json:"udp4"`
	UDP6 BulkTotals `json:"udp6"`
}

// IperfSummary scans the table for iperf3 processes and extracts the bulk
// flow counters per protocol and family.
func (t *Table) IperfSummary() IperfReport {
	t.mu.Lock()
	defer t.mu.Unlock()

	var r IperfReport
	for _, p := range t.procs {
		if p.Name != iperfProcName {
			continue
		}
		for _, l := range p.TCP {
			if l.RX == 0 {
				if l.SAddr.Is4() {
					r.TCP4.TX = l.TX
				} else {
					r.TCP6.TX = l.TX
				}
			} else if l.TX == 0 {
				if l.SAddr.Is4() {
					r.TCP4.RX = l.RX
				} else {
					r.TCP6.RX = l.RX
				}
			}
		}
		for _, l := range p.UDP {
			if l.DAddr.IsUnspecified() {
				continue
			}
			if l.RX == 4 {
				if l.SAddr.Is4() {
					r.UDP4.TX = l.TX
				} else {
					r.UDP6.TX = l.TX
				}
			} else if l.TX == 4 {
				if l.SAddr.Is4() {
					r.UDP4.RX = l.RX
				} else {
					r.UDP6.RX = l.RX
				}
			}
		}
	}
	return r
}

// WriteIperfReport writes the summary as JSON to the given file.
func (t *Table) WriteIperfReport(filename string) error {
	b, err := json.MarshalIndent(t.IperfSummary(), "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, b, 0644)
}
