package proto

import (
	"bytes"
	"errors"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	key := NewMeshIOType(Mesh2D, Mesh3D)

	tests := []struct {
		name    string
		service ServiceType
		data    []byte
	}{
		{name: "empty payload", service: Heartbeat, data: nil},
		{name: "text payload", service: MakeMesh, data: []byte("hello mesh")},
		{name: "embedded newlines", service: MeshStatus, data: []byte("line1\nline2\n\n")},
		{name: "embedded NUL", service: RetrieveMesh, data: []byte{0, 1, 0, '\n', 0}},
		{name: "length lookalike", service: CanMesh, data: []byte("12\n34\n")},
		{name: "terminate", service: TerminateJobAndWorker, data: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := Message{Service: tt.service, Type: key, Data: tt.data}
			out, err := Decode(in.Encode())
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if out.Service != in.Service {
				t.Errorf("Service = %v, want %v", out.Service, in.Service)
			}
			if out.Type != in.Type {
				t.Errorf("Type = %v, want %v", out.Type, in.Type)
			}
			if !bytes.Equal(out.Data, in.Data) {
				t.Errorf("Data = %q, want %q", out.Data, in.Data)
			}
		})
	}
}

func TestMessageEncodeIsDeterministic(t *testing.T) {
	m := Message{Service: MakeMesh, Type: NewMeshIOType(MeshModel, Mesh3D), Data: []byte("abc")}
	want := "1 6 3\n3\nabc"
	if got := string(m.Encode()); got != want {
		t.Errorf("Encode() = %q, want %q", got, want)
	}
	if !bytes.Equal(m.Encode(), m.Encode()) {
		t.Error("Encode() not deterministic")
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "declared length too long", input: "1 2 3\n10\nabc"},
		{name: "declared length too short", input: "1 2 3\n1\nabc"},
		{name: "negative length", input: "1 2 3\n-1\n"},
		{name: "unknown service", input: "42 2 3\n0\n"},
		{name: "invalid service", input: "0 2 3\n0\n"},
		{name: "missing length line", input: "1 2 3\n"},
		{name: "missing capability key", input: "1\n0\n"},
		{name: "bad capability key", input: "1 x y\n0\n"},
		{name: "empty buffer", input: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.input))
			if !errors.Is(err, ErrMalformedMessage) {
				t.Errorf("Decode(%q) error = %v, want ErrMalformedMessage", tt.input, err)
			}
		})
	}
}

func TestJobRequestTextForm(t *testing.T) {
	req := NewJobRequestWithInfo(NewMeshIOType(Mesh2D, Mesh3D), []byte("a\nb\x00c"))
	text, err := req.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText() error = %v", err)
	}
	if want := "2 3\n5\na\nb\x00c"; string(text) != want {
		t.Errorf("MarshalText() = %q, want %q", text, want)
	}

	back, err := ParseJobRequest(text)
	if err != nil {
		t.Fatalf("ParseJobRequest() error = %v", err)
	}
	if back.Type != req.Type || !bytes.Equal(back.Info, req.Info) {
		t.Errorf("ParseJobRequest() = %+v, want %+v", back, req)
	}

	if _, err := ParseJobRequest([]byte("2 3\n9\nshort")); !errors.Is(err, ErrMalformedMessage) {
		t.Errorf("short payload error = %v, want ErrMalformedMessage", err)
	}
}

func TestCapabilityOnlyRequest(t *testing.T) {
	req := NewJobRequest(NewMeshIOType(MeshEdges, Mesh2D))
	text, _ := req.MarshalText()
	if string(text) != "1 2\n0\n" {
		t.Errorf("MarshalText() = %q", text)
	}
	back, err := ParseJobRequest(text)
	if err != nil {
		t.Fatalf("ParseJobRequest() error = %v", err)
	}
	if len(back.Info) != 0 {
		t.Errorf("Info = %q, want empty", back.Info)
	}
}

func TestJobStatusAndResultRoundTrip(t *testing.T) {
	st := InProgress("job-1", []byte("50%\n"))
	text, _ := st.MarshalText()
	gotSt, err := ParseJobStatus(text)
	if err != nil {
		t.Fatalf("ParseJobStatus() error = %v", err)
	}
	if gotSt.JobID != st.JobID || gotSt.Status != StatusInProgress || !bytes.Equal(gotSt.Progress, st.Progress) {
		t.Errorf("ParseJobStatus() = %+v, want %+v", gotSt, st)
	}

	res := NewJobResult("job-1", []byte("/tmp/out.vtk"))
	text, _ = res.MarshalText()
	gotRes, err := ParseJobResult(text)
	if err != nil {
		t.Fatalf("ParseJobResult() error = %v", err)
	}
	if gotRes.JobID != res.JobID || !bytes.Equal(gotRes.Data, res.Data) {
		t.Errorf("ParseJobResult() = %+v, want %+v", gotRes, res)
	}

	job := Job{ID: "job-2", Request: NewJobRequestWithInfo(NewMeshIOType(Mesh2D, Mesh3D), []byte("x"))}
	text, _ = job.MarshalText()
	gotJob, err := ParseJob(text)
	if err != nil {
		t.Fatalf("ParseJob() error = %v", err)
	}
	if gotJob.ID != job.ID || gotJob.Type() != job.Type() || !bytes.Equal(gotJob.Request.Info, job.Request.Info) {
		t.Errorf("ParseJob() = %+v, want %+v", gotJob, job)
	}
}

func TestMeshIOTypeEquality(t *testing.T) {
	a := NewMeshIOType(Mesh2D, Mesh3D)
	b := NewMeshIOType(Mesh2D, Mesh3D)
	c := NewMeshIOType(Mesh3D, Mesh2D)
	if a != b {
		t.Error("equal pairs compare unequal")
	}
	if a == c {
		t.Error("swapped pair compares equal")
	}
	if (MeshIOType{}).Valid() {
		t.Error("zero MeshIOType should be invalid")
	}
}

func TestParseMeshType(t *testing.T) {
	tests := []struct {
		in      string
		want    MeshType
		wantErr bool
	}{
		{in: "Mesh2D", want: Mesh2D},
		{in: "mesh3d", want: Mesh3D},
		{in: "6", want: MeshModel},
		{in: " SceneFile ", want: MeshSceneFile},
		{in: "NotAType", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseMeshType(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseMeshType(%q) should fail", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseMeshType(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestParseServerConnection(t *testing.T) {
	tests := []struct {
		in       string
		wantEP   string
		wantPort int
		wantErr  bool
	}{
		{in: "tcp://127.0.0.1:5556", wantEP: "tcp://127.0.0.1:5556", wantPort: 5556},
		{in: "broker.local:6000", wantEP: "tcp://broker.local:6000", wantPort: 6000},
		{in: ":7000", wantEP: "tcp://127.0.0.1:7000", wantPort: 7000},
		{in: "tcp://host", wantErr: true},
		{in: "tcp://host:99999", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseServerConnection(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidEndpoint) {
				t.Errorf("ParseServerConnection(%q) error = %v, want ErrInvalidEndpoint", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseServerConnection(%q) error = %v", tt.in, err)
		}
		if got.Endpoint() != tt.wantEP || got.Port() != tt.wantPort {
			t.Errorf("ParseServerConnection(%q) = %s, want %s", tt.in, got.Endpoint(), tt.wantEP)
		}
	}

	if DefaultServerConnection().Endpoint() != "tcp://127.0.0.1:5556" {
		t.Errorf("DefaultServerConnection() = %s", DefaultServerConnection())
	}
}
