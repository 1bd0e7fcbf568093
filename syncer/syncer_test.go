package syncer

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/onnwee/cast-tender/character"
	"github.com/onnwee/cast-tender/dreamcord"
	"github.com/onnwee/cast-tender/store"
)

type fakeSource struct {
	raw []map[string]any
	err error
}

func (f *fakeSource) FetchCharacters(context.Context) ([]map[string]any, error) {
	return f.raw, f.err
}

type fakeRegistry struct {
	apps    []dreamcord.App
	nextID  int
	creates int
	updates int
	failOn  string // app name whose create/update errors
}

func (f *fakeRegistry) ListApps(context.Context) ([]dreamcord.App, error) {
	out := make([]dreamcord.App, len(f.apps))
	copy(out, f.apps)
	return out, nil
}

func (f *fakeRegistry) CreateApp(_ context.Context, patch map[string]any) (*dreamcord.App, error) {
	name, _ := patch["name"].(string)
	if name == f.failOn {
		return nil, fmt.Errorf("boom")
	}
	f.creates++
	f.nextID++
	app := dreamcord.App{ID: fmt.Sprintf("app-%d", f.nextID), IsActive: true}
	fillApp(&app, patch)
	f.apps = append(f.apps, app)
	return &app, nil
}

func (f *fakeRegistry) UpdateApp(_ context.Context, id string, patch map[string]any) error {
	for i := range f.apps {
		if f.apps[i].ID != id {
			continue
		}
		if f.apps[i].Name == f.failOn {
			return fmt.Errorf("boom")
		}
		f.updates++
		if active, ok := patch["is_active"].(bool); ok && len(patch) == 1 {
			f.apps[i].IsActive = active
			return nil
		}
		fillApp(&f.apps[i], patch)
		return nil
	}
	return fmt.Errorf("no such app %s", id)
}

func fillApp(app *dreamcord.App, patch map[string]any) {
	app.Name = patchStr(patch, "name")
	app.Description = patchStr(patch, "description")
	app.Bio = patchStr(patch, "bio")
	app.StatusText = patchStr(patch, "status_text")
	app.AvatarURL = patchStr(patch, "avatar_url")
	app.BannerURL = patchStr(patch, "banner_url")
	app.SourceLabel = patchStr(patch, "profile_source_label")
	app.RoomDefault = patchStr(patch, "nomi_room_default")
	if b, ok := patch["profile_hide_room"].(bool); ok {
		app.HideRoom = b
	}
}

type fakeMapper struct {
	idMap     map[string]string
	overrides map[string]character.Override
	saves     int
	runs      []store.SyncRun
}

func (f *fakeMapper) IdentityMap(context.Context) (map[string]string, error) {
	out := map[string]string{}
	for k, v := range f.idMap {
		out[k] = v
	}
	return out, nil
}

func (f *fakeMapper) SaveIdentityMap(_ context.Context, m map[string]string) error {
	f.saves++
	f.idMap = m
	return nil
}

func (f *fakeMapper) Overrides(context.Context) (map[string]character.Override, error) {
	if f.overrides == nil {
		return map[string]character.Override{}, nil
	}
	return f.overrides, nil
}

func (f *fakeMapper) RecordSyncRun(_ context.Context, r store.SyncRun) error {
	f.runs = append(f.runs, r)
	return nil
}

type fakePoster struct {
	channel string
	content string
	posts   int
}

func (f *fakePoster) Post(_ context.Context, channelID, content string) (string, error) {
	f.posts++
	f.channel = channelID
	f.content = content
	return "msg-1", nil
}

func newEngine(src *fakeSource, reg *fakeRegistry, m *fakeMapper, p *fakePoster) *Engine {
	return &Engine{
		Source:      src,
		Registry:    reg,
		Store:       m,
		Poster:      p,
		SourceLabel: "sillytavern",
	}
}

func TestRunCreatesMissingCharacter(t *testing.T) {
	src := &fakeSource{raw: []map[string]any{{"name": "Aria"}}}
	reg := &fakeRegistry{}
	m := &fakeMapper{}
	p := &fakePoster{}
	e := newEngine(src, reg, m, p)
	e.DefaultChannelID = "chan-9"

	res, err := e.Run(context.Background(), DefaultOptions())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Created) != 1 || res.Created[0].SourceID != "aria" || res.Created[0].Name != "Aria" {
		t.Fatalf("created = %+v", res.Created)
	}
	if res.Created[0].AppID == "" {
		t.Error("created entry missing app id")
	}
	if m.idMap["aria"] != res.Created[0].AppID {
		t.Errorf("identity map = %v", m.idMap)
	}
	if m.saves != 1 {
		t.Errorf("identity map saves = %d", m.saves)
	}
	if len(m.runs) != 1 || m.runs[0].Created != 1 {
		t.Errorf("audit rows = %+v", m.runs)
	}
	if p.posts != 1 || p.channel != "chan-9" {
		t.Errorf("summary post = %+v", p)
	}
	if !strings.Contains(p.content, "total=1 | created=1") {
		t.Errorf("summary = %q", p.content)
	}
	if res.PostedMessageID != "msg-1" {
		t.Errorf("posted_message_id = %q", res.PostedMessageID)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	src := &fakeSource{raw: []map[string]any{{"name": "Aria", "description": "bold"}}}
	reg := &fakeRegistry{}
	m := &fakeMapper{}
	e := newEngine(src, reg, m, nil)

	if _, err := e.Run(context.Background(), DefaultOptions()); err != nil {
		t.Fatal(err)
	}
	res, err := e.Run(context.Background(), DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Created) != 0 || len(res.Updated) != 0 {
		t.Fatalf("second run not idempotent: created=%d updated=%d", len(res.Created), len(res.Updated))
	}
	if len(res.Unchanged) != 1 || res.Unchanged[0].Reason != "no_changes" {
		t.Errorf("unchanged = %+v", res.Unchanged)
	}
}

func TestDryRunPerformsNoMutations(t *testing.T) {
	src := &fakeSource{raw: []map[string]any{
		{"name": "Aria"},
		{"name": "Brio", "description": "drifted"},
	}}
	reg := &fakeRegistry{apps: []dreamcord.App{
		{ID: "app-7", Name: "Brio", Description: "old", StatusText: character.DefaultStatusText, SourceLabel: "sillytavern"},
	}}
	m := &fakeMapper{idMap: map[string]string{"brio": "app-7"}}
	p := &fakePoster{}
	e := newEngine(src, reg, m, p)
	e.DefaultChannelID = "chan-9"

	opts := DefaultOptions()
	opts.DryRun = true
	res, err := e.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Created) != 1 || !res.Created[0].Planned {
		t.Errorf("created = %+v", res.Created)
	}
	if len(res.Updated) != 1 || !res.Updated[0].Planned {
		t.Errorf("updated = %+v", res.Updated)
	}
	if reg.creates != 0 || reg.updates != 0 {
		t.Errorf("registry mutated: creates=%d updates=%d", reg.creates, reg.updates)
	}
	if m.saves != 0 || len(m.runs) != 0 || p.posts != 0 {
		t.Errorf("dry run persisted: saves=%d runs=%d posts=%d", m.saves, len(m.runs), p.posts)
	}
}

func TestNameMatchRebindsIdentityMap(t *testing.T) {
	src := &fakeSource{raw: []map[string]any{{"name": "Aria"}}}
	reg := &fakeRegistry{apps: []dreamcord.App{{ID: "app-3", Name: "aria"}}}
	m := &fakeMapper{}
	e := newEngine(src, reg, m, nil)

	res, err := e.Run(context.Background(), DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Created) != 0 {
		t.Fatalf("duplicate created: %+v", res.Created)
	}
	if len(res.Updated) != 1 || res.Updated[0].AppID != "app-3" {
		t.Errorf("updated = %+v", res.Updated)
	}
	if m.idMap["aria"] != "app-3" {
		t.Errorf("identity map not rebound: %v", m.idMap)
	}
}

func TestOptionFlagsRecordReasons(t *testing.T) {
	src := &fakeSource{raw: []map[string]any{
		{"name": "Newbie"},
		{"name": "Brio", "description": "drifted"},
	}}
	reg := &fakeRegistry{apps: []dreamcord.App{{ID: "app-1", Name: "Brio"}}}
	m := &fakeMapper{}
	e := newEngine(src, reg, m, nil)

	opts := DefaultOptions()
	opts.CreateMissing = false
	opts.UpdateExisting = false
	res, err := e.Run(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	reasons := map[string]string{}
	for _, u := range res.Unchanged {
		reasons[u.SourceID] = u.Reason
	}
	if reasons["newbie"] != "create_missing=false" {
		t.Errorf("newbie reason = %q", reasons["newbie"])
	}
	if reasons["brio"] != "update_existing=false" {
		t.Errorf("brio reason = %q", reasons["brio"])
	}
}

func TestPerCharacterErrorIsolation(t *testing.T) {
	src := &fakeSource{raw: []map[string]any{
		{"name": "Broken"},
		{"name": "Aria"},
	}}
	reg := &fakeRegistry{failOn: "Broken"}
	m := &fakeMapper{}
	e := newEngine(src, reg, m, nil)

	res, err := e.Run(context.Background(), DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Errors) != 1 || res.Errors[0].SourceID != "broken" {
		t.Fatalf("errors = %+v", res.Errors)
	}
	if len(res.Created) != 1 || res.Created[0].Name != "Aria" {
		t.Errorf("batch aborted after failure: created = %+v", res.Created)
	}
}

func TestDisableMissing(t *testing.T) {
	src := &fakeSource{raw: []map[string]any{{"name": "Aria"}}}
	reg := &fakeRegistry{apps: []dreamcord.App{
		{ID: "app-1", Name: "Aria", Description: "Imported from sillytavern", StatusText: character.DefaultStatusText, SourceLabel: "sillytavern"},
		{ID: "app-2", Name: "Ghost", IsActive: true},
	}}
	m := &fakeMapper{idMap: map[string]string{"aria": "app-1", "ghost": "app-2", "vanished": "app-404"}}
	e := newEngine(src, reg, m, nil)

	opts := DefaultOptions()
	opts.DisableMissing = true
	res, err := e.Run(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.MissingInSource) != 1 || !res.MissingInSource[0].Disabled {
		t.Fatalf("missing = %+v", res.MissingInSource)
	}
	if res.MissingInSource[0].SourceID != "ghost" {
		t.Errorf("wrong entry disabled: %+v", res.MissingInSource[0])
	}
	if reg.apps[1].IsActive {
		t.Error("ghost app still active")
	}
}

func TestDuplicateSourceIDFirstWins(t *testing.T) {
	src := &fakeSource{raw: []map[string]any{
		{"id": "twin", "name": "First"},
		{"id": "twin", "name": "Second"},
	}}
	reg := &fakeRegistry{}
	m := &fakeMapper{}
	e := newEngine(src, reg, m, nil)

	res, err := e.Run(context.Background(), DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 1 || len(res.Created) != 1 || res.Created[0].Name != "First" {
		t.Errorf("dedup wrong: total=%d created=%+v", res.Total, res.Created)
	}
}

func TestOverridesShapeThePatch(t *testing.T) {
	hidden := "Shadow"
	src := &fakeSource{raw: []map[string]any{{"name": "Aria"}}}
	reg := &fakeRegistry{}
	m := &fakeMapper{overrides: map[string]character.Override{
		"aria": {Name: &hidden},
	}}
	e := newEngine(src, reg, m, nil)

	res, err := e.Run(context.Background(), DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Created) != 1 || res.Created[0].Name != "Shadow" {
		t.Errorf("override not applied: %+v", res.Created)
	}
	if reg.apps[0].Name != "Shadow" {
		t.Errorf("registry row name = %q", reg.apps[0].Name)
	}
}

func TestSummaryFormat(t *testing.T) {
	res := &Result{
		Total:           3,
		Created:         []Entry{{}},
		Updated:         []Entry{{}},
		Unchanged:       []Entry{{}},
		MissingInSource: []Entry{},
	}
	got := Summary(res)
	want := "[SillyTavern Sync] total=3 | created=1 | updated=1 | unchanged=1 | missing=0"
	if got != want {
		t.Errorf("Summary = %q, want %q", got, want)
	}
}
