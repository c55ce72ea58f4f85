package event

import (
	"errors"
	"fmt"
	"testing"

	coreerrors "github.com/Iron-Ham/panecore/internal/errors"
)

type pluginData struct {
	kind  string
	scope Scope
	valid bool
}

func (d pluginData) Kind() string         { return d.kind }
func (d pluginData) Scope() Scope         { return d.scope }
func (d pluginData) Policy() ActionPolicy { return Lossy("plugin:" + d.kind) }
func (d pluginData) SizeHint() int        { return 42 }
func (d pluginData) Validate() error {
	if !d.valid {
		return fmt.Errorf("field %q is required", "name")
	}
	return nil
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		wantErr error
	}{
		{
			name: "valid entity event",
			env:  Envelope{Source: EntitySource("p1"), Payload: PaneBell{}, Seq: 1},
		},
		{
			name: "valid shared event from group",
			env:  Envelope{Source: GroupSource("fs:/r"), Payload: FilesChanged{Root: "/r"}, Seq: 4},
		},
		{
			name: "valid shared event from system",
			env:  Envelope{Source: SystemSource("core"), Payload: ErrorRaised{}, Seq: 1},
		},
		{
			name:    "missing source",
			env:     Envelope{Payload: PaneBell{}, Seq: 1},
			wantErr: coreerrors.ErrInvalidSource,
		},
		{
			name:    "source without id",
			env:     Envelope{Source: Source{Kind: SourceEntity}, Payload: PaneBell{}, Seq: 1},
			wantErr: coreerrors.ErrInvalidSource,
		},
		{
			name:    "missing payload",
			env:     Envelope{Source: EntitySource("p1"), Seq: 1},
			wantErr: coreerrors.ErrMissingPayload,
		},
		{
			name:    "entity payload from group",
			env:     Envelope{Source: GroupSource("g"), Payload: PaneOutput{}, Seq: 1},
			wantErr: coreerrors.ErrScopeMismatch,
		},
		{
			name:    "shared payload from entity",
			env:     Envelope{Source: EntitySource("p1"), Payload: SecurityAlert{}, Seq: 1},
			wantErr: coreerrors.ErrScopeMismatch,
		},
		{
			name:    "zero sequence",
			env:     Envelope{Source: EntitySource("p1"), Payload: PaneBell{}},
			wantErr: coreerrors.ErrInvalidSequence,
		},
		{
			name:    "nonzero epoch",
			env:     Envelope{Source: EntitySource("p1"), Payload: PaneBell{}, Seq: 1, Epoch: 1},
			wantErr: coreerrors.ErrUnsupportedEpoch,
		},
		{
			name: "valid extension",
			env: Envelope{
				Source:  EntitySource("p1"),
				Payload: Extension{Producer: "lint", Data: pluginData{kind: "report", scope: ScopeEntity, valid: true}},
				Seq:     1,
			},
		},
		{
			name: "extension failing its own validation",
			env: Envelope{
				Source:  EntitySource("p1"),
				Payload: Extension{Producer: "lint", Data: pluginData{kind: "report", scope: ScopeEntity}},
				Seq:     1,
			},
			wantErr: coreerrors.ErrExtensionRejected,
		},
		{
			name:    "extension without data",
			env:     Envelope{Source: EntitySource("p1"), Payload: Extension{Producer: "lint"}, Seq: 1},
			wantErr: coreerrors.ErrExtensionRejected,
		},
		{
			name: "extension pointer failing its own validation",
			env: Envelope{
				Source:  GroupSource("plugin"),
				Payload: &Extension{Producer: "lint", Data: pluginData{kind: "report", scope: ScopeShared}},
				Seq:     1,
			},
			wantErr: coreerrors.ErrExtensionRejected,
		},
		{
			name:    "extension pointer without producer",
			env:     Envelope{Source: GroupSource("plugin"), Payload: &Extension{Data: pluginData{scope: ScopeShared, valid: true}}, Seq: 1},
			wantErr: coreerrors.ErrExtensionRejected,
		},
		{
			name:    "nil extension pointer",
			env:     Envelope{Source: GroupSource("plugin"), Payload: (*Extension)(nil), Seq: 1},
			wantErr: coreerrors.ErrMissingPayload,
		},
		{
			name: "valid extension pointer",
			env: Envelope{
				Source:  GroupSource("plugin"),
				Payload: &Extension{Producer: "lint", Data: pluginData{kind: "report", scope: ScopeShared, valid: true}},
				Seq:     1,
			},
		},
		{
			name: "extension with wrong scope",
			env: Envelope{
				Source:  EntitySource("p1"),
				Payload: Extension{Producer: "lint", Data: pluginData{kind: "report", scope: ScopeShared, valid: true}},
				Seq:     1,
			},
			wantErr: coreerrors.ErrScopeMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.env)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
			if !errors.Is(err, coreerrors.ErrContractViolation) {
				t.Errorf("Validate() = %v, should match ErrContractViolation", err)
			}
			var ce *coreerrors.ContractError
			if !errors.As(err, &ce) {
				t.Errorf("Validate() = %T, want *ContractError", err)
			}
		})
	}
}

func TestPayloadPolicies(t *testing.T) {
	tests := []struct {
		payload  Payload
		kind     string
		scope    Scope
		critical bool
		key      string
	}{
		{LifecycleChanged{}, "lifecycle.changed", ScopeEntity, true, ""},
		{PaneOutput{}, "pane.output", ScopeEntity, false, "output"},
		{PaneTitleChanged{}, "pane.title", ScopeEntity, false, "title"},
		{PaneCwdChanged{}, "pane.cwd", ScopeEntity, false, "cwd"},
		{PaneBell{}, "pane.bell", ScopeEntity, true, ""},
		{PaneExited{}, "pane.exited", ScopeEntity, true, ""},
		{DiffUpdated{}, "diff.updated", ScopeEntity, false, "diff"},
		{PageNavigated{}, "page.navigated", ScopeEntity, false, "page"},
		{CommandCompleted{}, "command.completed", ScopeEntity, true, ""},
		{FilesChanged{Root: "/r"}, "fs.changed", ScopeShared, false, "fs:/r"},
		{ForgeStatus{Repo: "o/r", Ref: "main"}, "forge.status", ScopeShared, false, "forge:o/r@main"},
		{SecurityAlert{}, "security.alert", ScopeShared, true, ""},
		{ErrorRaised{}, "error.raised", ScopeShared, true, ""},
		{Extension{Producer: "lint", Data: pluginData{kind: "report", scope: ScopeEntity}}, "ext.lint.report", ScopeEntity, false, "plugin:report"},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			if got := tt.payload.Kind(); got != tt.kind {
				t.Errorf("Kind() = %q, want %q", got, tt.kind)
			}
			if got := tt.payload.Scope(); got != tt.scope {
				t.Errorf("Scope() = %v, want %v", got, tt.scope)
			}
			p := tt.payload.Policy()
			if p.IsCritical() != tt.critical {
				t.Errorf("IsCritical() = %v, want %v", p.IsCritical(), tt.critical)
			}
			if p.ConsolidationKey() != tt.key {
				t.Errorf("ConsolidationKey() = %q, want %q", p.ConsolidationKey(), tt.key)
			}
		})
	}
}

func TestActionPolicy_String(t *testing.T) {
	if got := Critical().String(); got != "critical" {
		t.Errorf("Critical().String() = %q", got)
	}
	if got := Lossy("title").String(); got != "lossy(title)" {
		t.Errorf("Lossy().String() = %q", got)
	}
	var zero ActionPolicy
	if !zero.IsCritical() {
		t.Error("zero ActionPolicy should be critical")
	}
}

func TestEnvelope_KindAndPolicyWithoutPayload(t *testing.T) {
	var env Envelope
	if env.Kind() != "" {
		t.Errorf("Kind() = %q, want empty", env.Kind())
	}
	if !env.Policy().IsCritical() {
		t.Error("missing payload should default to critical")
	}
}

func TestSizeHints(t *testing.T) {
	tests := []struct {
		name string
		p    SizeHinter
		want int
	}{
		{"output", PaneOutput{Data: []byte("hello")}, 5},
		{"title", PaneTitleChanged{Title: "vim"}, 3},
		{"files", FilesChanged{Root: "/r", Paths: []string{"a", "bc"}, Entities: []string{"p1"}}, 7},
		{"extension", Extension{Producer: "x", Data: pluginData{}}, 42},
	}
	for _, tt := range tests {
		if got := tt.p.SizeHint(); got != tt.want {
			t.Errorf("%s: SizeHint() = %d, want %d", tt.name, got, tt.want)
		}
	}
}
