package proto

import (
	"fmt"
	"strconv"
	"strings"
)

// JobRequest is what a client submits: a capability key plus opaque job info.
// A request without info is used to ask whether a type is supported.
type JobRequest struct {
	Type MeshIOType
	Info []byte
}

// NewJobRequest builds a capability-only request.
func NewJobRequest(t MeshIOType) JobRequest {
	return JobRequest{Type: t}
}

// NewJobRequestWithInfo builds a request for actual submission.
func NewJobRequestWithInfo(t MeshIOType, info []byte) JobRequest {
	return JobRequest{Type: t, Info: info}
}

// MarshalText produces "<in> <out>\n<len>\n<raw info>". The payload length is
// honoured exactly on decode.
func (r JobRequest) MarshalText() ([]byte, error) {
	return r.appendText(nil), nil
}

func (r JobRequest) appendText(buf []byte) []byte {
	key, _ := r.Type.MarshalText()
	buf = append(buf, key...)
	buf = append(buf, '\n')
	return appendBlock(buf, r.Info)
}

// ParseJobRequest decodes the text form produced by MarshalText.
func ParseJobRequest(data []byte) (JobRequest, error) {
	r := &textReader{buf: data}
	return readJobRequest(r)
}

func readJobRequest(r *textReader) (JobRequest, error) {
	key, err := r.line()
	if err != nil {
		return JobRequest{}, err
	}
	t, err := ParseMeshIOType(key)
	if err != nil {
		return JobRequest{}, err
	}
	info, err := r.block()
	if err != nil {
		return JobRequest{}, err
	}
	return JobRequest{Type: t, Info: info}, nil
}

// Job is a request the broker has assigned to a worker.
type Job struct {
	ID      string
	Request JobRequest
}

// Valid reports whether the job carries an identifier. The zero Job is the
// "no job available" value.
func (j Job) Valid() bool {
	return j.ID != ""
}

// Type returns the job's capability key.
func (j Job) Type() MeshIOType {
	return j.Request.Type
}

// MarshalText produces "<id>\n<in> <out>\n<len>\n<raw info>".
func (j Job) MarshalText() ([]byte, error) {
	buf := append([]byte(j.ID), '\n')
	return j.Request.appendText(buf), nil
}

// ParseJob decodes the text form produced by Job.MarshalText.
func ParseJob(data []byte) (Job, error) {
	r := &textReader{buf: data}
	id, err := r.line()
	if err != nil {
		return Job{}, err
	}
	req, err := readJobRequest(r)
	if err != nil {
		return Job{}, err
	}
	return Job{ID: id, Request: req}, nil
}

// JobStatus is a progress report for one job.
type JobStatus struct {
	JobID    string
	Status   StatusType
	Progress []byte
}

// NewJobStatus builds a status without progress detail.
func NewJobStatus(jobID string, s StatusType) JobStatus {
	return JobStatus{JobID: jobID, Status: s}
}

// InProgress builds an IN_PROGRESS status carrying a progress payload.
func InProgress(jobID string, progress []byte) JobStatus {
	return JobStatus{JobID: jobID, Status: StatusInProgress, Progress: progress}
}

// MarshalText produces "<id>\n<status>\n<len>\n<progress>".
func (s JobStatus) MarshalText() ([]byte, error) {
	buf := append([]byte(s.JobID), '\n')
	buf = strconv.AppendUint(buf, uint64(s.Status), 10)
	buf = append(buf, '\n')
	return appendBlock(buf, s.Progress), nil
}

// ParseJobStatus decodes the text form produced by JobStatus.MarshalText.
func ParseJobStatus(data []byte) (JobStatus, error) {
	r := &textReader{buf: data}
	id, err := r.line()
	if err != nil {
		return JobStatus{}, err
	}
	line, err := r.line()
	if err != nil {
		return JobStatus{}, err
	}
	st, err := strconv.ParseUint(strings.TrimSpace(line), 10, 32)
	if err != nil {
		return JobStatus{}, fmt.Errorf("%w: status %q", ErrMalformedMessage, line)
	}
	progress, err := r.block()
	if err != nil {
		return JobStatus{}, err
	}
	return JobStatus{JobID: id, Status: StatusType(st), Progress: progress}, nil
}

// JobResult is the single final output of a job, typically a locator for the
// produced artifact.
type JobResult struct {
	JobID string
	Data  []byte
}

// NewJobResult builds a result.
func NewJobResult(jobID string, data []byte) JobResult {
	return JobResult{JobID: jobID, Data: data}
}

// MarshalText produces "<id>\n<len>\n<data>".
func (r JobResult) MarshalText() ([]byte, error) {
	buf := append([]byte(r.JobID), '\n')
	return appendBlock(buf, r.Data), nil
}

// ParseJobResult decodes the text form produced by JobResult.MarshalText.
func ParseJobResult(data []byte) (JobResult, error) {
	r := &textReader{buf: data}
	id, err := r.line()
	if err != nil {
		return JobResult{}, err
	}
	out, err := r.block()
	if err != nil {
		return JobResult{}, err
	}
	return JobResult{JobID: id, Data: out}, nil
}
