package commands

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"
)

const (
	formatJSON  = "json"
	formatTable = "table"
	valueNA     = "-"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatDump renders the address table dump in the requested format.
func formatDump(dump *dumpResponse, raw []byte, format string) (string, error) {
	switch format {
	case formatJSON:
		return string(raw) + "\n", nil
	case formatTable:
		return formatDumpTable(dump)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatStates renders the connection state dump in the requested format.
func formatStates(states *statesResponse, raw []byte, format string) (string, error) {
	switch format {
	case formatJSON:
		return string(raw) + "\n", nil
	case formatTable:
		return formatStatesTable(states)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// --- Table formatters ---

func formatDumpTable(dump *dumpResponse) (string, error) {
	var buf strings.Builder

	now := time.Unix(dump.Curtime, 0)

	for _, ifc := range dump.Interfaces {
		fmt.Fprintf(&buf, "%s (gate=%s hwaddr=%s hwclient=%s hwrouter=%s)\n",
			ifc.Ifname,
			orNA(ifc.Gate),
			orNA(ifc.HWAddr),
			orNA(ifc.HWClient),
			orNA(ifc.HWRouter),
		)

		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  ADDRESS\tHITS\tFLAGS\tAGE\tNAME")

		for _, mac := range ifc.Addresses {
			writeAddrRow(w, "  ", mac, now)
			for _, addr := range mac.Addresses {
				writeAddrRow(w, "    ", addr, now)
			}
		}

		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush tabwriter: %w", err)
		}
		fmt.Fprintln(&buf)
	}

	return buf.String(), nil
}

// writeAddrRow emits one address entry, indented by its table level.
func writeAddrRow(w *tabwriter.Writer, indent string, a addrSnapshot, now time.Time) {
	age := now.Sub(time.Unix(a.Time, 0)).Round(time.Second)
	if age < 0 {
		age = 0
	}
	fmt.Fprintf(w, "%s%s\t%d\t%s\t%s\t%s\n",
		indent, a.Addr, a.Hits, addrFlags(a.Flags), age, orNA(a.Name))
}

// addrFlags renders the flag bits of an address entry.
func addrFlags(flags int) string {
	var out []string
	if flags&1 != 0 {
		out = append(out, "router")
	}
	if flags&2 != 0 {
		out = append(out, "client")
	}
	if len(out) == 0 {
		return valueNA
	}
	return strings.Join(out, ",")
}

func formatStatesTable(states *statesResponse) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROTO\tSOURCE\tDESTINATION\tAGE")

	for _, s := range states.States {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			s.Proto,
			endpoint(s.SrcAddr, s.SrcPort),
			endpoint(s.DstAddr, s.DstPort),
			time.Duration(s.Age)*time.Second,
		)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

// endpoint joins an address and port for display. ICMP states carry the
// echo identifier in the port slot.
func endpoint(addr string, port uint16) string {
	if strings.Contains(addr, ":") {
		return fmt.Sprintf("[%s]:%d", addr, port)
	}
	return fmt.Sprintf("%s:%d", addr, port)
}

// orNA substitutes a dash for empty values.
func orNA(s string) string {
	if s == "" {
		return valueNA
	}
	return s
}
