package schedulerset

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// NetstringMax bounds a single netstring frame's declared length, applied
// before any allocation — the same "reject the oversized length prefix
// before touching the buffer" discipline format.Decode uses for its
// fixed header.
const NetstringMax = 1 << 20 // 1 MiB

// ErrBadJobfile is returned for any malformed try-job submission:
// invalid netstring framing, an oversized frame, or an unknown version.
var ErrBadJobfile = errors.New("bad jobfile")

// TryJob is the parsed result of a try-job submission, independent of
// which wire version produced it.
type TryJob struct {
	JobID      string
	Branch     string // empty string means "absent" per spec §4.6
	BaseRev    string
	PatchLevel int
	PatchBody  string
	Builders   []string
	Repository string
	Project    string
	Who        string
	Comment    string
	Properties map[string]any
}

// netstrings splits buf into a sequence of netstring-framed fields:
// "<len>:<payload>,". Decoding stops once count fields have been read (or
// buf is exhausted, for version 1-4's variable trailing builder list).
func netstrings(buf []byte, count int) ([][]byte, []byte, error) {
	out := make([][]byte, 0, count)
	rest := buf
	for count <= 0 || len(out) < count {
		if len(rest) == 0 {
			break
		}
		colon := bytes.IndexByte(rest, ':')
		if colon < 0 {
			return nil, nil, fmt.Errorf("%w: missing length prefix", ErrBadJobfile)
		}
		n, err := strconv.Atoi(string(rest[:colon]))
		if err != nil || n < 0 {
			return nil, nil, fmt.Errorf("%w: invalid length prefix", ErrBadJobfile)
		}
		if n > NetstringMax {
			return nil, nil, fmt.Errorf("%w: frame exceeds %d bytes", ErrBadJobfile, NetstringMax)
		}
		start := colon + 1
		end := start + n
		if end+1 > len(rest) || rest[end] != ',' {
			return nil, nil, fmt.Errorf("%w: truncated frame", ErrBadJobfile)
		}
		out = append(out, rest[start:end])
		rest = rest[end+1:]
	}
	return out, rest, nil
}

// ParseTryJob decodes a single try-job submission of the given version
// (1-5) per spec §4.6's field table. Version 5 ignores framing entirely
// and decodes buf as a single JSON object.
func ParseTryJob(version int, buf []byte) (TryJob, error) {
	if version == 5 {
		return parseTryJobJSON(buf)
	}
	if version < 1 || version > 4 {
		return TryJob{}, fmt.Errorf("%w: unknown version %d", ErrBadJobfile, version)
	}
	return parseTryJobNetstring(version, buf)
}

func parseTryJobNetstring(version int, buf []byte) (TryJob, error) {
	// Fixed-count fields per version, per spec §4.6's table; the trailing
	// builder list is variable-length and consumes whatever remains.
	fixedCount := map[int]int{1: 5, 2: 7, 3: 8, 4: 9}[version]

	fields, rest, err := netstrings(buf, fixedCount)
	if err != nil {
		return TryJob{}, err
	}
	if len(fields) != fixedCount {
		return TryJob{}, fmt.Errorf("%w: expected %d fields, got %d", ErrBadJobfile, fixedCount, len(fields))
	}

	builders, _, err := netstrings(rest, 0)
	if err != nil {
		return TryJob{}, err
	}

	job := TryJob{
		JobID:     string(fields[0]),
		Branch:    string(fields[1]),
		BaseRev:   string(fields[2]),
		PatchBody: string(fields[4]),
	}
	if lvl, err := strconv.Atoi(string(fields[3])); err == nil {
		job.PatchLevel = lvl
	} else {
		return TryJob{}, fmt.Errorf("%w: invalid patchlevel", ErrBadJobfile)
	}

	idx := 5
	if version >= 2 {
		job.Repository = string(fields[idx])
		idx++
		job.Project = string(fields[idx])
		idx++
	}
	if version >= 3 {
		job.Who = string(fields[idx])
		idx++
	}
	if version >= 4 {
		job.Comment = string(fields[idx])
		idx++
	}

	for _, b := range builders {
		if len(b) > 0 {
			job.Builders = append(job.Builders, string(b))
		}
	}

	return job, nil
}

// tryJobJSON is the v5 wire shape: a single JSON object carrying all
// fields plus an optional free-form properties map.
type tryJobJSON struct {
	JobID      string         `json:"jobid"`
	Branch     string         `json:"branch"`
	BaseRev    string         `json:"baserev"`
	PatchLevel int            `json:"patch_level"`
	PatchBody  string         `json:"patch_body"`
	Builders   []string       `json:"builderNames"`
	Repository string         `json:"repository"`
	Project    string         `json:"project"`
	Who        string         `json:"who"`
	Comment    string         `json:"comment"`
	Properties map[string]any `json:"properties"`
}

func parseTryJobJSON(buf []byte) (TryJob, error) {
	var w tryJobJSON
	if err := json.Unmarshal(buf, &w); err != nil {
		return TryJob{}, fmt.Errorf("%w: %v", ErrBadJobfile, err)
	}
	return TryJob{
		JobID:      w.JobID,
		Branch:     w.Branch,
		BaseRev:    w.BaseRev,
		PatchLevel: w.PatchLevel,
		PatchBody:  w.PatchBody,
		Builders:   w.Builders,
		Repository: w.Repository,
		Project:    w.Project,
		Who:        w.Who,
		Comment:    w.Comment,
		Properties: w.Properties,
	}, nil
}
