// Package a2a implements the agent-to-agent interoperability layer:
// wire types, a JSON-RPC 2.0 server surface, the board bridge, the
// outbound client, the remote-agent registry, and the trust-tiered
// security filter.
//
// The bridge treats A2A as just another channel. The agents never see
// protocol details; inbound messages become ordinary board tasks and
// completed task results become artifacts.
package a2a

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Protocol is the advertised protocol version.
const Protocol = "a2a/0.3"

// Part kinds.
const (
	KindText = "text"
	KindFile = "file"
	KindData = "data"
)

// Task states.
const (
	StateSubmitted     = "submitted"
	StateWorking       = "working"
	StateInputRequired = "input-required"
	StateCompleted     = "completed"
	StateFailed        = "failed"
	StateCanceled      = "canceled"
)

// TerminalState reports whether an A2A state is final.
func TerminalState(state string) bool {
	return state == StateCompleted || state == StateFailed || state == StateCanceled
}

// NewMessageID returns a msg-<12hex> identifier.
func NewMessageID() string { return "msg-" + hex12() }

// NewArtifactID returns an art-<12hex> identifier.
func NewArtifactID() string { return "art-" + hex12() }

// NewTaskID returns an a2a-<12hex> identifier.
func NewTaskID() string { return "a2a-" + hex12() }

// NewContextID returns a ctx-<12hex> identifier.
func NewContextID() string { return "ctx-" + hex12() }

func hex12() string {
	u := uuid.New()
	return fmt.Sprintf("%x", u[:6])
}

// Part is the smallest content unit of a message or artifact. The kind
// discriminates which fields are meaningful: text carries Text, file
// carries Name/MIMEType plus Data (base64) or URI, data carries Data.
type Part struct {
	Kind     string `json:"kind"`
	Text     string `json:"text,omitempty"`
	Name     string `json:"name,omitempty"`
	MIMEType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// MarshalJSON emits only the fields relevant to the part kind, matching
// what remote A2A implementations expect on the wire.
func (p Part) MarshalJSON() ([]byte, error) {
	out := map[string]any{"kind": p.Kind}
	switch p.Kind {
	case KindText:
		out["text"] = p.Text
	case KindFile:
		out["name"] = p.Name
		out["mimeType"] = p.MIMEType
		if p.URI != "" {
			out["uri"] = p.URI
		} else if p.Data != "" {
			out["data"] = p.Data
		}
	case KindData:
		out["data"] = p.Data
	}
	return json.Marshal(out)
}

// TextPart builds a text part.
func TextPart(text string) Part { return Part{Kind: KindText, Text: text} }

// FilePart builds a file part with inline base64 data.
func FilePart(name, mime, data string) Part {
	return Part{Kind: KindFile, Name: name, MIMEType: mime, Data: data}
}

// Message is the primary communication unit. Role is "user" for
// client-to-server and "agent" for server-to-client.
type Message struct {
	Role      string `json:"role"`
	Parts     []Part `json:"parts"`
	MessageID string `json:"messageId"`
}

// NewMessage builds a message with a fresh id.
func NewMessage(role string, parts ...Part) Message {
	return Message{Role: role, Parts: parts, MessageID: NewMessageID()}
}

// Text concatenates all text parts with newlines.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Kind != KindText {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += p.Text
	}
	return out
}

// Files returns all file parts.
func (m Message) Files() []Part {
	var files []Part
	for _, p := range m.Parts {
		if p.Kind == KindFile {
			files = append(files, p)
		}
	}
	return files
}

// TaskState is the status envelope on a task.
type TaskState struct {
	State     string   `json:"state"`
	Message   *Message `json:"message,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
}

// NewTaskState stamps a status envelope with the current UTC time.
func NewTaskState(state string) TaskState {
	return TaskState{State: state, Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05Z")}
}

// Artifact is an output of a completed task.
type Artifact struct {
	ArtifactID  string         `json:"artifactId"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parts       []Part         `json:"parts"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// NewArtifact builds an artifact with a fresh id.
func NewArtifact(name, description string, parts ...Part) Artifact {
	return Artifact{
		ArtifactID:  NewArtifactID(),
		Name:        name,
		Description: description,
		Parts:       parts,
	}
}

// Task is the protocol-level lifecycle object mapped onto a board task.
type Task struct {
	ID        string         `json:"id"`
	ContextID string         `json:"contextId,omitempty"`
	Status    TaskState      `json:"status"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	History   []Message      `json:"history,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Kind      string         `json:"kind"`
}

// NewTask builds a submitted task with fresh ids.
func NewTask() Task {
	return Task{
		ID:        NewTaskID(),
		ContextID: NewContextID(),
		Status:    NewTaskState(StateSubmitted),
		Kind:      "task",
	}
}

// AgentSkill is one capability advertised in the agent card.
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	Examples    []string `json:"examples,omitempty"`
}

// AgentCard describes this runtime's capabilities. Served at
// /.well-known/agent.json.
type AgentCard struct {
	Name               string          `json:"name"`
	Description        string          `json:"description"`
	URL                string          `json:"url"`
	Version            string          `json:"version"`
	Protocol           string          `json:"protocol"`
	Capabilities       map[string]bool `json:"capabilities"`
	Skills             []AgentSkill    `json:"skills"`
	Authentication     map[string]any  `json:"authentication"`
	DefaultInputModes  []string        `json:"defaultInputModes"`
	DefaultOutputModes []string        `json:"defaultOutputModes"`
}

// NewAgentCard builds the default card for the given public base URL.
func NewAgentCard(baseURL, version string) AgentCard {
	return AgentCard{
		Name: "Cleo",
		Description: "Self-evolving multi-agent system with planning, execution, " +
			"and quality review. Delegates work across a role-based agent team.",
		URL:      baseURL + "/a2a",
		Version:  version,
		Protocol: Protocol,
		Capabilities: map[string]bool{
			"streaming":              true,
			"pushNotifications":      false,
			"stateTransitionHistory": true,
		},
		Skills:             defaultSkills(),
		Authentication:     map[string]any{"schemes": []string{"bearer"}},
		DefaultInputModes:  []string{"text", "file"},
		DefaultOutputModes: []string{"text", "file"},
	}
}

func defaultSkills() []AgentSkill {
	return []AgentSkill{
		{
			ID:          "research",
			Name:        "Web Research & Analysis",
			Description: "Search the web, fetch pages, and synthesize findings into structured reports.",
			Tags:        []string{"research", "web-search", "analysis", "report"},
		},
		{
			ID:          "coding",
			Name:        "Code Generation & Execution",
			Description: "Write, run, and test code in a sandboxed workspace.",
			Tags:        []string{"code", "programming", "automation"},
		},
		{
			ID:          "content",
			Name:        "Content Creation",
			Description: "Generate structured documents with automatic decomposition and quality review.",
			Tags:        []string{"writing", "report", "document"},
		},
	}
}
