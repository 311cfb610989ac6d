package proto

import (
	"fmt"
	"strconv"
	"strings"
)

// Direction says which leg of the protocol a message travels on. The same
// service tag carries different payloads on different legs (a MAKE_MESH from
// a client carries a JobRequest, a MAKE_MESH to a worker carries a Job).
type Direction int

const (
	FromClient Direction = iota
	ToClient
	FromWorker
	ToWorker
)

func (d Direction) String() string {
	switch d {
	case FromClient:
		return "client->broker"
	case ToClient:
		return "broker->client"
	case FromWorker:
		return "worker->broker"
	case ToWorker:
		return "broker->worker"
	default:
		return "unknown"
	}
}

// Payload is the typed body of an envelope. The set of variants is closed.
type Payload interface {
	encode() []byte
}

// Submission asks whether a request type is supported (CAN_MESH) or submits
// it (MAKE_MESH), client->broker.
type Submission struct {
	Request JobRequest
}

// Register announces a worker's capability (CAN_MESH, worker->broker).
type Register struct{}

// AskForJobs requests up to Count assignments (MAKE_MESH, worker->broker).
type AskForJobs struct {
	Count int
}

// Assign delivers a job to a worker (MAKE_MESH, broker->worker).
type Assign struct {
	Job Job
}

// Beat is a liveness announcement with no body.
type Beat struct{}

// Status carries a JobStatus (MESH_STATUS, worker->broker and broker->client).
type Status struct {
	Status JobStatus
}

// Result carries a JobResult (RETRIEVE_MESH, worker->broker and broker->client).
type Result struct {
	Result JobResult
}

// Query names a job, client->broker (MESH_STATUS, RETRIEVE_MESH, TERMINATE_JOB).
type Query struct {
	JobID string
}

// Reply is a short textual answer, broker->client (CAN_MESH "1"/"0",
// MAKE_MESH job id, TERMINATE_JOB "1"/"0").
type Reply struct {
	Body string
}

// CancelJob asks a worker to abandon one job (TERMINATE_JOB, broker->worker).
type CancelJob struct {
	JobID string
}

// Terminate ends a worker (TERMINATE_WORKER, TERMINATE_JOB_AND_WORKER, SHUTDOWN).
type Terminate struct{}

func (Submission) encode() []byte { return nil }
func (Register) encode() []byte   { return nil }
func (Beat) encode() []byte       { return nil }
func (Terminate) encode() []byte  { return nil }

func (a AskForJobs) encode() []byte {
	if a.Count <= 1 {
		return nil
	}
	return []byte(strconv.Itoa(a.Count))
}

func (a Assign) encode() []byte {
	b, _ := a.Job.MarshalText()
	return b
}

func (s Status) encode() []byte {
	b, _ := s.Status.MarshalText()
	return b
}

func (r Result) encode() []byte {
	b, _ := r.Result.MarshalText()
	return b
}

func (q Query) encode() []byte     { return []byte(q.JobID) }
func (r Reply) encode() []byte     { return []byte(r.Body) }
func (c CancelJob) encode() []byte { return []byte(c.JobID) }

// NewMessage builds an envelope from a typed payload. Submission payloads use
// the request's own type as the capability key.
func NewMessage(service ServiceType, t MeshIOType, p Payload) Message {
	if s, ok := p.(Submission); ok {
		data, _ := s.Request.MarshalText()
		return Message{Service: service, Type: s.Request.Type, Data: data}
	}
	return Message{Service: service, Type: t, Data: p.encode()}
}

// Payload decodes the body according to the service tag and direction. A
// service that is not valid on the given leg is reported as malformed.
func (m Message) Payload(dir Direction) (Payload, error) {
	switch dir {
	case FromClient:
		switch m.Service {
		case CanMesh, MakeMesh:
			req, err := ParseJobRequest(m.Data)
			if err != nil {
				return nil, err
			}
			return Submission{Request: req}, nil
		case MeshStatus, RetrieveMesh, TerminateJob:
			return Query{JobID: string(m.Data)}, nil
		}
	case ToClient:
		switch m.Service {
		case CanMesh, MakeMesh, TerminateJob:
			return Reply{Body: string(m.Data)}, nil
		case MeshStatus:
			s, err := ParseJobStatus(m.Data)
			if err != nil {
				return nil, err
			}
			return Status{Status: s}, nil
		case RetrieveMesh:
			r, err := ParseJobResult(m.Data)
			if err != nil {
				return nil, err
			}
			return Result{Result: r}, nil
		}
	case FromWorker:
		switch m.Service {
		case CanMesh:
			return Register{}, nil
		case MakeMesh:
			n := 1
			if len(m.Data) > 0 {
				v, err := strconv.Atoi(strings.TrimSpace(string(m.Data)))
				if err != nil || v < 1 {
					return nil, fmt.Errorf("%w: job count %q", ErrMalformedMessage, m.Data)
				}
				n = v
			}
			return AskForJobs{Count: n}, nil
		case Heartbeat:
			return Beat{}, nil
		case MeshStatus:
			s, err := ParseJobStatus(m.Data)
			if err != nil {
				return nil, err
			}
			return Status{Status: s}, nil
		case RetrieveMesh:
			r, err := ParseJobResult(m.Data)
			if err != nil {
				return nil, err
			}
			return Result{Result: r}, nil
		case TerminateJobAndWorker:
			return Terminate{}, nil
		}
	case ToWorker:
		switch m.Service {
		case MakeMesh:
			j, err := ParseJob(m.Data)
			if err != nil {
				return nil, err
			}
			return Assign{Job: j}, nil
		case Heartbeat:
			return Beat{}, nil
		case TerminateJob:
			return CancelJob{JobID: string(m.Data)}, nil
		case TerminateWorker, TerminateJobAndWorker, Shutdown:
			return Terminate{}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s not valid %s", ErrMalformedMessage, m.Service, dir)
}
