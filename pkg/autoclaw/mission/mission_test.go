package mission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jholhewres/autoclaw/pkg/autoclaw/actions"
	"github.com/jholhewres/autoclaw/pkg/autoclaw/permission"
	"github.com/jholhewres/autoclaw/pkg/autoclaw/store"
	"github.com/jholhewres/autoclaw/pkg/autoclaw/workspace"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// fakeCompleter replies with a canned proposal, optionally failing instead.
type fakeCompleter struct {
	proposal   *Proposal
	rawReply   string
	err        error
	lastPrompt string
}

func (f *fakeCompleter) Complete(ctx context.Context, systemPrompt, userMessage string) (string, error) {
	f.lastPrompt = userMessage
	if f.err != nil {
		return "", f.err
	}
	if f.rawReply != "" {
		return f.rawReply, nil
	}
	b, err := json.Marshal(f.proposal)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Here is my plan.\n```json\n%s\n```\n", b), nil
}

type missionEnv struct {
	mgr       *Manager
	fs        *workspace.FS
	perms     *permission.Manager
	completer *fakeCompleter
}

func newMissionEnv(t *testing.T) *missionEnv {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), discardLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	fs, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}

	perms := permission.NewManager(db, permission.DefaultTrustPolicy(), discardLogger())
	registry := actions.NewRegistry(discardLogger())
	if err := actions.RegisterFileActions(registry, fs, perms); err != nil {
		t.Fatalf("register file actions: %v", err)
	}

	completer := &fakeCompleter{}
	return &missionEnv{
		mgr:       NewManager(db, registry, perms, fs, completer, discardLogger()),
		fs:        fs,
		perms:     perms,
		completer: completer,
	}
}

func (env *missionEnv) grant(t *testing.T, userID string, acts, paths []string) {
	t.Helper()
	_, err := env.perms.Grant(context.Background(), userID, permission.GrantSpec{
		Resource: actions.ResourceFiles,
		Actions:  acts,
		Scope:    permission.Scope{AllowedPaths: paths},
	})
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
}

func TestStartValidation(t *testing.T) {
	t.Parallel()
	env := newMissionEnv(t)
	ctx := context.Background()

	if _, err := env.mgr.Start(ctx, "", "objective", []string{"a.txt"}); err == nil {
		t.Error("Start accepted empty user ID")
	}
	if _, err := env.mgr.Start(ctx, "u1", "  ", []string{"a.txt"}); err == nil {
		t.Error("Start accepted blank objective")
	}
	if _, err := env.mgr.Start(ctx, "u1", "objective", nil); err == nil {
		t.Error("Start accepted empty target list")
	}
}

func TestStartPausesWithoutReadCover(t *testing.T) {
	t.Parallel()
	env := newMissionEnv(t)
	ctx := context.Background()

	mission, err := env.mgr.Start(ctx, "u1", "tidy the notes", []string{"notes/a.md"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if mission.Status != StatusPaused {
		t.Fatalf("status = %q, want paused", mission.Status)
	}
	if mission.PendingRequest == nil {
		t.Fatal("paused mission carries no pending request")
	}
	req := mission.PendingRequest
	if req.Resource != actions.ResourceFiles {
		t.Errorf("request resource = %q", req.Resource)
	}
	// Only the missing read cover is requested; write is asked for by Apply
	// once a proposal actually exists.
	if len(req.Actions) != 1 || req.Actions[0] != "read" {
		t.Errorf("request actions = %v, want read only", req.Actions)
	}
	if len(req.Scope.AllowedPaths) != 1 || req.Scope.AllowedPaths[0] != "notes/a.md" {
		t.Errorf("request scope = %+v", req.Scope)
	}

	// The paused mission is persisted.
	got, err := env.mgr.Get(ctx, mission.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusPaused {
		t.Errorf("persisted status = %q", got.Status)
	}
}

func TestStartProposesWithCover(t *testing.T) {
	t.Parallel()
	env := newMissionEnv(t)
	ctx := context.Background()

	if err := env.fs.Write("notes/a.md", []byte("old content\n")); err != nil {
		t.Fatal(err)
	}
	env.grant(t, "u1", []string{"read", "write"}, []string{"notes"})

	env.completer.proposal = &Proposal{
		Summary: "rewrite the note",
		Files: []FileChange{
			{Path: "notes/a.md", NewContent: "new content\n", Reason: "requested"},
		},
		Verification: Verification{Commands: []string{"cat notes/a.md"}},
	}

	mission, err := env.mgr.Start(ctx, "u1", "rewrite a.md", []string{"notes/a.md"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if mission.Status != StatusProposed {
		t.Fatalf("status = %q, want proposed", mission.Status)
	}
	if mission.Proposal == nil || len(mission.Proposal.Files) != 1 {
		t.Fatalf("proposal = %+v", mission.Proposal)
	}

	// The pinned hash is the hash of the content that was read, regardless
	// of what the model claimed.
	want := workspace.HashBytes([]byte("old content\n"))
	if got := mission.Proposal.Files[0].ExpectedOldSha256; got != want {
		t.Errorf("pinned hash = %q, want %q", got, want)
	}

	// The file content reached the model prompt.
	if !strings.Contains(env.completer.lastPrompt, "old content") {
		t.Error("target file content missing from prompt")
	}
	if !strings.Contains(env.completer.lastPrompt, "rewrite a.md") {
		t.Error("objective missing from prompt")
	}

	// Verification commands survive the persistence roundtrip.
	got, err := env.mgr.Get(ctx, mission.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cmds := got.Proposal.Verification.Commands; len(cmds) != 1 || cmds[0] != "cat notes/a.md" {
		t.Errorf("verification commands = %v", cmds)
	}
}

func TestApplyLargeFileWithoutDrift(t *testing.T) {
	t.Parallel()
	env := newMissionEnv(t)
	ctx := context.Background()

	// Larger than the files.read output cap: the pinned hash and the prompt
	// must still cover the whole file.
	big := strings.Repeat("0123456789abcdef\n", 20*1024)
	if err := env.fs.Write("notes/big.md", []byte(big)); err != nil {
		t.Fatal(err)
	}
	env.grant(t, "u1", []string{"read", "write"}, []string{"notes"})
	env.completer.proposal = &Proposal{
		Summary: "shrink the big note",
		Files:   []FileChange{{Path: "notes/big.md", NewContent: "small now\n"}},
	}

	mission, err := env.mgr.Start(ctx, "u1", "shrink big.md", []string{"notes/big.md"})
	if err != nil {
		t.Fatal(err)
	}
	if want := workspace.HashBytes([]byte(big)); mission.Proposal.Files[0].ExpectedOldSha256 != want {
		t.Fatal("pinned hash does not cover the full file")
	}
	if !strings.Contains(env.completer.lastPrompt, big) {
		t.Error("prompt does not carry the full file content")
	}

	// Nothing touched the file in between, so apply must not conflict.
	result, err := env.mgr.Apply(ctx, mission.ID)
	if err != nil {
		t.Fatalf("Apply of untouched large file: %v", err)
	}
	if len(result.Conflicts) != 0 || len(result.Applied) != 1 {
		t.Fatalf("result = %+v", result)
	}
	data, _ := env.fs.Read("notes/big.md")
	if string(data) != "small now\n" {
		t.Errorf("file after apply = %q", data)
	}
}

func TestStartPinsEmptyHashForMissingFile(t *testing.T) {
	t.Parallel()
	env := newMissionEnv(t)
	ctx := context.Background()
	env.grant(t, "u1", []string{"read", "write"}, []string{"notes"})

	env.completer.proposal = &Proposal{
		Summary: "create the note",
		Files: []FileChange{
			{Path: "notes/new.md", NewContent: "fresh\n"},
		},
	}

	mission, err := env.mgr.Start(ctx, "u1", "create new.md", []string{"notes/new.md"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := mission.Proposal.Files[0].ExpectedOldSha256; got != "" {
		t.Errorf("missing file pinned hash = %q, want empty", got)
	}
	if !strings.Contains(env.completer.lastPrompt, "does not exist yet") {
		t.Error("prompt does not flag the missing file")
	}
}

func TestStartDropsOutOfTargetFiles(t *testing.T) {
	t.Parallel()
	env := newMissionEnv(t)
	ctx := context.Background()
	env.grant(t, "u1", []string{"read", "write"}, nil)

	env.completer.proposal = &Proposal{
		Summary: "sneaky",
		Files: []FileChange{
			{Path: "notes/a.md", NewContent: "fine"},
			{Path: "secrets/key.pem", NewContent: "oops"},
		},
	}

	mission, err := env.mgr.Start(ctx, "u1", "edit a.md", []string{"notes/a.md"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(mission.Proposal.Files) != 1 || mission.Proposal.Files[0].Path != "notes/a.md" {
		t.Errorf("proposal files = %+v, want only the mission target", mission.Proposal.Files)
	}
}

func TestStartFailsWhenModelProposesNothingUsable(t *testing.T) {
	t.Parallel()
	env := newMissionEnv(t)
	ctx := context.Background()
	env.grant(t, "u1", []string{"read", "write"}, nil)

	env.completer.proposal = &Proposal{
		Summary: "all elsewhere",
		Files:   []FileChange{{Path: "other/b.md", NewContent: "x"}},
	}

	mission, err := env.mgr.Start(ctx, "u1", "edit a.md", []string{"notes/a.md"})
	if err == nil {
		t.Fatal("Start succeeded with no usable changes")
	}
	if mission.Status != StatusFailed {
		t.Errorf("status = %q, want failed", mission.Status)
	}
}

func TestStartFailsOnCompleterError(t *testing.T) {
	t.Parallel()
	env := newMissionEnv(t)
	ctx := context.Background()
	env.grant(t, "u1", []string{"read", "write"}, nil)
	env.completer.err = errors.New("model unavailable")

	mission, err := env.mgr.Start(ctx, "u1", "edit a.md", []string{"notes/a.md"})
	if err == nil {
		t.Fatal("Start succeeded despite completer failure")
	}
	if mission.Status != StatusFailed {
		t.Errorf("status = %q, want failed", mission.Status)
	}

	got, err := env.mgr.Get(ctx, mission.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got.Error, "model unavailable") {
		t.Errorf("persisted error = %q", got.Error)
	}
}

func TestResume(t *testing.T) {
	t.Parallel()
	env := newMissionEnv(t)
	ctx := context.Background()

	mission, err := env.mgr.Start(ctx, "u1", "tidy notes", []string{"notes/a.md"})
	if err != nil {
		t.Fatal(err)
	}
	if mission.Status != StatusPaused {
		t.Fatalf("status = %q, want paused", mission.Status)
	}

	// Still no cover: Resume reports denial and leaves the mission paused.
	if _, err := env.mgr.Resume(ctx, mission.ID); !errors.Is(err, permission.ErrPermissionDenied) {
		t.Fatalf("Resume without grant = %v, want ErrPermissionDenied", err)
	}

	// Approve the pending request, then Resume proposes.
	env.completer.proposal = &Proposal{
		Summary: "tidy",
		Files:   []FileChange{{Path: "notes/a.md", NewContent: "tidied\n"}},
	}
	if _, err := env.perms.Respond(ctx, mission.PendingRequest.ID, true); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	resumed, err := env.mgr.Resume(ctx, mission.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != StatusProposed {
		t.Errorf("status = %q, want proposed", resumed.Status)
	}

	// Resume only applies to paused missions.
	if _, err := env.mgr.Resume(ctx, mission.ID); err == nil {
		t.Error("Resume of a proposed mission succeeded")
	}
}

func TestApply(t *testing.T) {
	t.Parallel()
	env := newMissionEnv(t)
	ctx := context.Background()

	if err := env.fs.Write("notes/a.md", []byte("old\n")); err != nil {
		t.Fatal(err)
	}
	env.grant(t, "u1", []string{"read", "write"}, []string{"notes"})
	env.completer.proposal = &Proposal{
		Summary: "update",
		Files:   []FileChange{{Path: "notes/a.md", NewContent: "new\n"}},
	}

	mission, err := env.mgr.Start(ctx, "u1", "update a.md", []string{"notes/a.md"})
	if err != nil {
		t.Fatal(err)
	}

	result, err := env.mgr.Apply(ctx, mission.ID)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(result.Applied) != 1 || len(result.Conflicts) != 0 {
		t.Fatalf("result = %+v", result)
	}

	data, err := env.fs.Read("notes/a.md")
	if err != nil || string(data) != "new\n" {
		t.Errorf("file after apply = (%q, %v)", data, err)
	}

	got, err := env.mgr.Get(ctx, mission.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusApplied {
		t.Errorf("status = %q, want applied", got.Status)
	}

	// Apply is not repeatable.
	if _, err := env.mgr.Apply(ctx, mission.ID); err == nil {
		t.Error("second Apply succeeded")
	}
}

func TestApplyDetectsConflict(t *testing.T) {
	t.Parallel()
	env := newMissionEnv(t)
	ctx := context.Background()

	if err := env.fs.Write("notes/a.md", []byte("old\n")); err != nil {
		t.Fatal(err)
	}
	if err := env.fs.Write("notes/b.md", []byte("stable\n")); err != nil {
		t.Fatal(err)
	}
	env.grant(t, "u1", []string{"read", "write"}, []string{"notes"})
	env.completer.proposal = &Proposal{
		Summary: "update both",
		Files: []FileChange{
			{Path: "notes/a.md", NewContent: "new a\n"},
			{Path: "notes/b.md", NewContent: "new b\n"},
		},
	}

	mission, err := env.mgr.Start(ctx, "u1", "update notes", []string{"notes/a.md", "notes/b.md"})
	if err != nil {
		t.Fatal(err)
	}

	// a.md drifts between proposal and apply.
	if err := env.fs.Write("notes/a.md", []byte("changed underneath\n")); err != nil {
		t.Fatal(err)
	}

	result, err := env.mgr.Apply(ctx, mission.ID)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Apply = %v, want ErrConflict", err)
	}
	if len(result.Conflicts) != 1 || result.Conflicts[0] != "notes/a.md" {
		t.Errorf("conflicts = %v", result.Conflicts)
	}
	if len(result.Applied) != 1 || result.Applied[0] != "notes/b.md" {
		t.Errorf("applied = %v", result.Applied)
	}

	// The conflicting file was left untouched, the clean one written.
	data, _ := env.fs.Read("notes/a.md")
	if string(data) != "changed underneath\n" {
		t.Errorf("conflicting file overwritten: %q", data)
	}
	data, _ = env.fs.Read("notes/b.md")
	if string(data) != "new b\n" {
		t.Errorf("clean file not written: %q", data)
	}

	got, err := env.mgr.Get(ctx, mission.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
}

func TestApplyRequiresWriteCover(t *testing.T) {
	t.Parallel()
	env := newMissionEnv(t)
	ctx := context.Background()

	if err := env.fs.Write("notes/a.md", []byte("old\n")); err != nil {
		t.Fatal(err)
	}
	// Read-only grant: proposal works, apply must not.
	env.grant(t, "u1", []string{"read"}, []string{"notes"})
	env.completer.proposal = &Proposal{
		Summary: "update",
		Files:   []FileChange{{Path: "notes/a.md", NewContent: "new\n"}},
	}

	mission, err := env.mgr.Start(ctx, "u1", "update a.md", []string{"notes/a.md"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := env.mgr.Apply(ctx, mission.ID); !errors.Is(err, permission.ErrPermissionDenied) {
		t.Fatalf("Apply without write cover = %v, want ErrPermissionDenied", err)
	}

	data, _ := env.fs.Read("notes/a.md")
	if string(data) != "old\n" {
		t.Errorf("file written without write cover: %q", data)
	}

	// The denial raised a write request scoped to the proposal's files.
	reqs, err := env.perms.ListRequests(ctx, "u1", permission.StatusPending)
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(reqs) != 1 {
		t.Fatalf("pending requests = %d, want 1", len(reqs))
	}
	req := reqs[0]
	if len(req.Actions) != 1 || req.Actions[0] != "write" {
		t.Errorf("request actions = %v, want write only", req.Actions)
	}
	if len(req.Scope.AllowedPaths) != 1 || req.Scope.AllowedPaths[0] != "notes/a.md" {
		t.Errorf("request scope = %+v", req.Scope)
	}
}

func TestGetAndList(t *testing.T) {
	t.Parallel()
	env := newMissionEnv(t)
	ctx := context.Background()

	if _, err := env.mgr.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get unknown = %v, want ErrNotFound", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := env.mgr.Start(ctx, "u1", fmt.Sprintf("objective %d", i),
			[]string{fmt.Sprintf("notes/%d.md", i)}); err != nil {
			t.Fatal(err)
		}
	}

	missions, err := env.mgr.List(ctx, "u1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(missions) != 2 {
		t.Errorf("List returned %d missions, want 2", len(missions))
	}
}

func TestParseProposal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		reply string
		ok    bool
	}{
		{"fenced json", "plan:\n```json\n{\"summary\":\"s\",\"files\":[{\"path\":\"a\",\"new_content\":\"x\"}]}\n```", true},
		{"bare json", `{"summary":"s","files":[{"path":"a","new_content":"x"}]}`, true},
		{"missing summary", `{"files":[{"path":"a","new_content":"x"}]}`, false},
		{"file without path", `{"summary":"s","files":[{"new_content":"x"}]}`, false},
		{"not json", "I cannot help with that.", false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p, err := parseProposal(tt.reply)
			if tt.ok && err != nil {
				t.Fatalf("parseProposal: %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatalf("parseProposal accepted %q: %+v", tt.reply, p)
			}
		})
	}
}
