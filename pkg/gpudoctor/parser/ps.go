package parser

import (
	"strconv"
	"strings"
)

// ProcpsTable is the `ps -eo pid,user,%cpu,%mem,rss,etime,args` layout.
const ProcpsTable = "procps"

type procpsTable struct{}

// NewProcpsTable returns the OS process listing parser. Columns are located
// by header name; the command column is last and may contain spaces.
func NewProcpsTable() Parser[OSProcess] {
	return procpsTable{}
}

func (procpsTable) Kind() Kind      { return KindProcessTable }
func (procpsTable) Version() string { return ProcpsTable }

func (procpsTable) Parse(raw []byte) (Result[OSProcess], error) {
	var res Result[OSProcess]
	if isBlank(raw) {
		return res, nil
	}

	var h header
	commandCol := -1
	for n, line := range lines(raw) {
		tokens := strings.Fields(line)
		if len(tokens) == 0 {
			continue
		}
		if h == nil {
			h = wsHeader(tokens)
			if _, ok := h.lookup("pid"); !ok {
				return Result[OSProcess]{}, unsupported(KindProcessTable, ProcpsTable, "header has no PID column")
			}
			if c, ok := h.lookup("command", "args", "cmd", "comm"); ok {
				commandCol = c.index
			}
			continue
		}

		rawPID, _ := h.field(tokens, "pid")
		pid, err := strconv.Atoi(rawPID)
		if err != nil || pid <= 0 {
			res.skip("line %d: bad pid %q", n+1, rawPID)
			continue
		}
		field := func(aliases ...string) string {
			s, _ := h.field(tokens, aliases...)
			return s
		}
		proc := OSProcess{
			PID:            pid,
			User:           field("user", "ruser", "uid"),
			CPUPercent:     parseScaled(field("%cpu", "pcpu"), 1),
			MemoryPercent:  parseScaled(field("%mem", "pmem"), 1),
			ResidentBytes:  parseScaled(field("rss", "rsz"), 1024),
			ElapsedSeconds: parseElapsed(field("elapsed", "etime", "etimes")),
		}
		if commandCol >= 0 && commandCol < len(tokens) {
			proc.Command = strings.Join(tokens[commandCol:], " ")
		}
		res.Records = append(res.Records, proc)
	}
	return res, nil
}
