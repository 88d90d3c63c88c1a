package executor

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"slices"
	"testing"

	"github.com/pithecene-io/mrci/command"
	"github.com/pithecene-io/mrci/ipc"
	"github.com/pithecene-io/mrci/state"
	"github.com/pithecene-io/mrci/store"
	"github.com/pithecene-io/mrci/types"
)

// fakeDB is an in-memory DB.
type fakeDB struct {
	users    map[types.UserID]store.User
	channels map[types.UserID][]uint64
	ranks    map[string]uint32
	disabled map[string]bool
	subs     map[types.SubChannel]store.SubChannel
	levels   map[uint64]types.MemberLevel
	readOnly map[types.SubChannel]bool
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		users:    make(map[types.UserID]store.User),
		channels: make(map[types.UserID][]uint64),
		ranks:    make(map[string]uint32),
		disabled: make(map[string]bool),
		subs:     make(map[types.SubChannel]store.SubChannel),
		levels:   make(map[uint64]types.MemberLevel),
		readOnly: make(map[types.SubChannel]bool),
	}
}

func (f *fakeDB) UserByID(_ context.Context, id types.UserID) (store.User, error) {
	u, ok := f.users[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

func (f *fakeDB) ChannelsForUser(_ context.Context, id types.UserID) ([]uint64, error) {
	return f.channels[id], nil
}

func (f *fakeDB) CommandRank(_ context.Context, module, cmd string) (uint32, bool, error) {
	r, ok := f.ranks[module+"/"+cmd]
	return r, ok, nil
}

func (f *fakeDB) DisabledModules(context.Context) (map[string]bool, error) {
	return f.disabled, nil
}

func (f *fakeDB) SubChannel(_ context.Context, ch uint64, sub uint8) (store.SubChannel, error) {
	sc, ok := f.subs[types.SubChannel{ChannelID: ch, SubID: sub}]
	if !ok {
		return store.SubChannel{}, store.ErrNotFound
	}
	return sc, nil
}

func (f *fakeDB) MemberLevel(_ context.Context, ch uint64, _ types.UserID) (types.MemberLevel, error) {
	l, ok := f.levels[ch]
	if !ok {
		return 0, store.ErrNotFound
	}
	return l, nil
}

func (f *fakeDB) IsReadOnly(_ context.Context, ch uint64, sub uint8, _ types.MemberLevel) (bool, error) {
	return f.readOnly[types.SubChannel{ChannelID: ch, SubID: sub}], nil
}

type recorder struct {
	frames []ipc.SessionFrame
}

func (r *recorder) Send(f ipc.SessionFrame) { r.frames = append(r.frames, f) }

func (r *recorder) reset() { r.frames = nil }

func (r *recorder) of(t types.TypeID) []ipc.SessionFrame {
	var out []ipc.SessionFrame
	for _, f := range r.frames {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

func (r *recorder) idle(t *testing.T, id uint16) types.RetCode {
	t.Helper()
	for _, f := range r.frames {
		if f.Type == types.TypeIdle && f.CmdID == id {
			return types.RetCode(binary.LittleEndian.Uint16(f.Payload))
		}
	}
	t.Fatalf("no IDLE frame for cmd %d in %v", id, r.frames)
	return 0
}

// testHandler runs fn on Process and counts Term calls.
type testHandler struct {
	fn    func(s command.Session, data []byte, t types.TypeID)
	calls int
	terms int
}

func (h *testHandler) Process(s command.Session, data []byte, t types.TypeID) {
	h.calls++
	if h.fn != nil {
		h.fn(s, data, t)
	}
}

func (h *testHandler) Term(command.Session) { h.terms++ }

type harness struct {
	t    *testing.T
	st   *state.Store
	db   *fakeDB
	sink *recorder
	ex   *Executor
	h    map[string]*testHandler
}

var testSID = types.SessionID{0xAB, 0xCD}

func newHarness(t *testing.T, providers ...command.Provider) *harness {
	t.Helper()
	st, err := state.Create(filepath.Join(t.TempDir(), "session.state"), testSID)
	if err != nil {
		t.Fatalf("state.Create: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	hs := &harness{t: t, st: st, db: newFakeDB(), sink: &recorder{}}
	ex, err := New(Options{State: st, DB: hs.db, Providers: providers, Sink: hs.sink})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	hs.ex = ex
	return hs
}

// provider builds a static provider whose handlers are recorded in hs.h.
func (hs *harness) provider(name string, specs ...command.Spec) command.Provider {
	return command.NewStaticProvider(name, 0, specs...)
}

func (hs *harness) id(name string) uint16 {
	hs.t.Helper()
	for _, c := range hs.ex.Commands() {
		if c.Name == name {
			return c.ID
		}
	}
	hs.t.Fatalf("command %q not loaded", name)
	return 0
}

func (hs *harness) exec(id uint16, data string) {
	hs.ex.Exec(ipc.SessionFrame{Type: types.TypeText, CmdID: id, Payload: []byte(data)})
}

func (hs *harness) lists(id uint16) (loop, more, paused bool) {
	hs.st.Lock()
	defer hs.st.Unlock()
	return hs.st.HasCmd(state.LoopCmds, id), hs.st.HasCmd(state.MoreInputCmds, id), hs.st.HasCmd(state.PausedCmds, id)
}

func spec(name string, public bool, h *testHandler) command.Spec {
	return command.Spec{Name: name, Public: public, New: func() command.Handler { return h }}
}

func looper(counter *[]string, name string) *testHandler {
	return &testHandler{fn: func(s command.Session, _ []byte, _ types.TypeID) {
		*counter = append(*counter, name)
		s.EnableLoop(true)
	}}
}

func TestExec_UnknownID(t *testing.T) {
	hs := newHarness(t)
	hs.exec(999, "x")

	errs := hs.sink.of(types.TypeErr)
	if len(errs) != 1 || string(errs[0].Payload) != "err: No such command id: 999." {
		t.Fatalf("error frames = %v", errs)
	}
	if code := hs.sink.idle(t, 999); code != types.RetInvalidParams {
		t.Errorf("IDLE code = %d", code)
	}
	if hs.ex.StepPending() {
		t.Error("unknown id must not schedule a step")
	}
}

func TestExec_OneShotFinishes(t *testing.T) {
	echo := &testHandler{fn: func(s command.Session, data []byte, _ types.TypeID) {
		s.MainText("echo: " + string(data))
	}}
	hs := newHarness(t)
	hs.ex = mustNew(t, hs, hs.provider(command.BuiltinName, spec("echo", true, echo)))
	hs.ex.Load()

	id := hs.id("echo")
	if id != types.MaxCmdsPerMod {
		t.Errorf("builtin id = %d, want %d", id, types.MaxCmdsPerMod)
	}
	hs.sink.reset()
	hs.exec(id, "hi")

	if len(hs.sink.frames) != 2 {
		t.Fatalf("frames = %v", hs.sink.frames)
	}
	if got := string(hs.sink.frames[0].Payload); got != "echo: hi" {
		t.Errorf("text = %q", got)
	}
	if code := hs.sink.idle(t, id); code != types.RetNoErrors {
		t.Errorf("IDLE code = %d", code)
	}
}

func mustNew(t *testing.T, hs *harness, providers ...command.Provider) *Executor {
	t.Helper()
	ex, err := New(Options{State: hs.st, DB: hs.db, Providers: providers, Sink: hs.sink})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ex
}

func TestExec_RetCodeAndErrSent(t *testing.T) {
	var sawErr bool
	h := &testHandler{fn: func(s command.Session, _ []byte, _ types.TypeID) {
		s.ErrText("err: bad input\n")
		sawErr = s.ErrSent()
		s.SetRetCode(types.RetInvalidParams)
	}}
	hs := newHarness(t)
	hs.ex = mustNew(t, hs, hs.provider(command.BuiltinName, spec("check", true, h)))
	hs.ex.Load()

	id := hs.id("check")
	hs.exec(id, "")
	if !sawErr {
		t.Error("ErrSent = false after ErrText")
	}
	if code := hs.sink.idle(t, id); code != types.RetInvalidParams {
		t.Errorf("IDLE code = %d", code)
	}
}

func TestLifecycle_StatesAreExclusive(t *testing.T) {
	var phase int
	h := &testHandler{fn: func(s command.Session, _ []byte, _ types.TypeID) {
		switch phase {
		case 0:
			s.EnableMoreInput(true)
		case 1:
			s.EnableLoop(true)
		case 2:
			s.EnableMoreInput(true)
		}
	}}
	hs := newHarness(t)
	hs.ex = mustNew(t, hs, hs.provider(command.BuiltinName, spec("shift", true, h)))
	hs.ex.Load()
	id := hs.id("shift")

	want := [][3]bool{
		{false, true, false},
		{true, false, false},
		{false, true, false},
	}
	for i, w := range want {
		phase = i
		hs.exec(id, "")
		loop, more, paused := hs.lists(id)
		if got := [3]bool{loop, more, paused}; got != w {
			t.Errorf("phase %d: loop/more/paused = %v, want %v", i, got, w)
		}
	}
	if len(hs.sink.of(types.TypeIdle)) != 0 {
		t.Error("an active command must not emit IDLE")
	}
}

func TestStep_RoundRobinFairness(t *testing.T) {
	var order []string
	a, b, c := looper(&order, "a"), looper(&order, "b"), looper(&order, "c")
	hs := newHarness(t)
	hs.ex = mustNew(t, hs, hs.provider(command.BuiltinName,
		spec("a", true, a), spec("b", true, b), spec("c", true, c)))
	hs.ex.Load()

	for _, name := range []string{"a", "b", "c"} {
		hs.exec(hs.id(name), "")
	}
	order = nil

	for i := 0; i < 9; i++ {
		if !hs.ex.StepPending() {
			t.Fatalf("step %d: nothing pending", i)
		}
		if !hs.ex.Step() {
			t.Fatalf("step %d: no command ran", i)
		}
	}

	for i := 0; i+3 <= len(order); i += 3 {
		window := slices.Clone(order[i : i+3])
		slices.Sort(window)
		if !slices.Equal(window, []string{"a", "b", "c"}) {
			t.Fatalf("window %d = %v, want every command once (order %v)", i/3, order[i:i+3], order)
		}
	}
}

func TestPauseResume_VisitsAndSkips(t *testing.T) {
	var order []string
	a, b := looper(&order, "a"), looper(&order, "b")
	hs := newHarness(t)
	hs.ex = mustNew(t, hs, hs.provider(command.BuiltinName, spec("a", true, a), spec("b", true, b)))
	hs.ex.Load()
	idA, idB := hs.id("a"), hs.id("b")
	hs.exec(idA, "")
	hs.exec(idB, "")

	hs.ex.Pause(idA)
	loop, _, paused := hs.lists(idA)
	if !loop || !paused {
		t.Fatalf("paused command must stay in the loop list: loop=%v paused=%v", loop, paused)
	}

	order = nil
	for i := 0; i < 4; i++ {
		hs.ex.Step()
	}
	if slices.Contains(order, "a") {
		t.Errorf("paused command ran: %v", order)
	}

	calls := a.calls
	hs.exec(idA, "dropped")
	if a.calls != calls {
		t.Error("frame to a paused command must be dropped")
	}

	hs.ex.Resume(idA)
	order = nil
	for i := 0; i < 4; i++ {
		hs.ex.Step()
	}
	if n := len(slices.DeleteFunc(slices.Clone(order), func(s string) bool { return s != "a" })); n != 2 {
		t.Errorf("after resume a ran %d of 4 steps: %v", n, order)
	}
}

func TestPauseAll_StopsScheduling(t *testing.T) {
	var order []string
	a := looper(&order, "a")
	hs := newHarness(t)
	hs.ex = mustNew(t, hs, hs.provider(command.BuiltinName, spec("a", true, a)))
	hs.ex.Load()
	hs.exec(hs.id("a"), "")

	hs.ex.Pause(0)
	if hs.ex.StepPending() {
		t.Fatal("step pending with every looping command paused")
	}
	if hs.ex.Step() {
		t.Fatal("Step ran with every looping command paused")
	}
	hs.ex.Resume(0)
	if !hs.ex.StepPending() {
		t.Fatal("resume did not reschedule")
	}
}

func TestPauseResume_Errors(t *testing.T) {
	idle := &testHandler{}
	hs := newHarness(t)
	hs.ex = mustNew(t, hs, hs.provider(command.BuiltinName, spec("idle", true, idle)))
	hs.ex.Load()
	id := hs.id("idle")
	hs.sink.reset()

	hs.ex.Pause(id)
	hs.ex.Resume(id)
	hs.ex.Pause(4000)

	errs := hs.sink.of(types.TypeErr)
	want := []string{
		"err: The command is not currently in a loop state.\n",
		"err: The command is not currently in a paused state.\n",
		"err: No such command id: '4000'\n",
	}
	if len(errs) != len(want) {
		t.Fatalf("errors = %v", errs)
	}
	for i, w := range want {
		if string(errs[i].Payload) != w {
			t.Errorf("error %d = %q, want %q", i, errs[i].Payload, w)
		}
	}
}

func TestTerm(t *testing.T) {
	var order []string
	a := looper(&order, "a")
	idle := &testHandler{}
	hs := newHarness(t)
	hs.ex = mustNew(t, hs, hs.provider(command.BuiltinName, spec("a", true, a), spec("idle", true, idle)))
	hs.ex.Load()
	idA, idIdle := hs.id("a"), hs.id("idle")
	hs.exec(idA, "")
	hs.sink.reset()

	hs.ex.Term(idA)
	if a.terms != 1 {
		t.Errorf("term hook calls = %d, want 1", a.terms)
	}
	if code := hs.sink.idle(t, idA); code != types.RetAborted {
		t.Errorf("IDLE code = %d, want aborted", code)
	}
	if loop, more, paused := hs.lists(idA); loop || more || paused {
		t.Error("term must clear every list")
	}

	hs.sink.reset()
	hs.ex.Term(idIdle)
	if idle.terms != 0 {
		t.Error("term hook called on an idle command")
	}
	if code := hs.sink.idle(t, idIdle); code != types.RetNoErrors {
		t.Errorf("IDLE code = %d", code)
	}
}

func TestTermViaFrameType(t *testing.T) {
	var order []string
	a := looper(&order, "a")
	hs := newHarness(t)
	hs.ex = mustNew(t, hs, hs.provider(command.BuiltinName, spec("a", true, a)))
	hs.ex.Load()
	id := hs.id("a")
	hs.exec(id, "")

	hs.ex.Exec(ipc.SessionFrame{Type: types.TypeTermCmd, CmdID: id})
	if a.terms != 1 {
		t.Fatalf("TERM_CMD did not terminate: terms = %d", a.terms)
	}
	if hs.ex.StepPending() {
		t.Error("step pending after the only looping command ended")
	}
}

func TestDelete_EmitsRmCmd(t *testing.T) {
	h := &testHandler{}
	hs := newHarness(t)
	hs.ex = mustNew(t, hs, hs.provider(command.BuiltinName, spec("gone", true, h)))
	hs.ex.Load()
	id := hs.id("gone")
	hs.sink.reset()

	hs.ex.Delete(id)
	rm := hs.sink.of(types.TypeCmdID)
	if len(rm) != 1 || rm[0].CmdID != uint16(types.AsyncRmCmd) {
		t.Fatalf("RM_CMD frames = %v", rm)
	}
	if got := binary.LittleEndian.Uint16(rm[0].Payload); got != id {
		t.Errorf("RM_CMD id = %d, want %d", got, id)
	}
	if len(hs.ex.Commands()) != 0 {
		t.Error("command still listed after delete")
	}
}

func TestNew_ProviderOffsets(t *testing.T) {
	hs := newHarness(t)
	tooNew := command.NewStaticProvider("future", types.HostRevision+1)
	ex := mustNew(t, hs,
		hs.provider("zeta"), hs.provider("alpha"), hs.provider(command.BuiltinName), tooNew)

	cases := map[string]uint16{command.BuiltinName: 256, "alpha": 512, "zeta": 768}
	for name, want := range cases {
		got, ok := ex.Offset(name)
		if !ok || got != want {
			t.Errorf("offset(%s) = %d, %v; want %d", name, got, ok, want)
		}
	}
	if _, ok := ex.Offset("future"); ok {
		t.Error("provider requiring a newer host revision was accepted")
	}
}

func TestCatalog_VisibilityAndUniqueNames(t *testing.T) {
	hs := newHarness(t)
	builtin := hs.provider(command.BuiltinName,
		spec("info", true, &testHandler{}),
		spec("admin", false, &testHandler{}),
		command.Spec{Name: "logout", Exempt: true, New: func() command.Handler { return &testHandler{} }},
	)
	mod := hs.provider("tools",
		spec("INFO", true, &testHandler{}),
		spec("ranked", false, &testHandler{}),
	)
	hs.ex = mustNew(t, hs, builtin, mod)
	hs.db.ranks["tools/ranked"] = 3

	hs.ex.Load()
	names := func() []string {
		var out []string
		for _, c := range hs.ex.Commands() {
			out = append(out, c.Name)
		}
		return out
	}
	if got := names(); !slices.Equal(got, []string{"info", "info_1"}) {
		t.Fatalf("anonymous catalog = %v", got)
	}

	newCmds := hs.sink.of(types.TypeNewCmd)
	if len(newCmds) != 2 || newCmds[0].CmdID != uint16(types.AsyncAddCmd) {
		t.Fatalf("NEW_CMD frames = %v", newCmds)
	}
	var nc ipc.NewCmd
	if err := ipc.Decode(newCmds[1].Payload, &nc); err != nil || nc.Name != "info_1" || nc.Module != "tools" {
		t.Errorf("NEW_CMD = %+v, %v", nc, err)
	}

	user := types.UserID{1}
	hs.db.users[user] = store.User{ID: user, Name: "u", HostRank: 4}
	if err := hs.ex.Login(user); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got := names(); !slices.Equal(got, []string{"info", "logout", "info_1"}) {
		t.Errorf("rank 4 catalog = %v", got)
	}

	hs.db.users[user] = store.User{ID: user, Name: "u", HostRank: 2}
	if err := hs.ex.Login(user); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got := names(); !slices.Equal(got, []string{"info", "logout", "info_1", "ranked"}) {
		t.Errorf("rank 2 catalog = %v", got)
	}

	hs.db.users[user] = store.User{ID: user, Name: "root", HostRank: 1}
	if err := hs.ex.Login(user); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got := names(); !slices.Contains(got, "admin") {
		t.Errorf("rank 1 catalog lacks unranked command: %v", got)
	}

	hs.sink.reset()
	hs.ex.Logout()
	if got := names(); !slices.Equal(got, []string{"info", "info_1"}) {
		t.Errorf("catalog after logout = %v", got)
	}
	if len(hs.sink.of(types.TypeCmdID)) != 3 {
		t.Errorf("expected RM_CMD for admin, logout and ranked, got %v", hs.sink.of(types.TypeCmdID))
	}
	if len(hs.sink.of(types.TypeMyInfo)) != 1 {
		t.Error("logout must send MY_INFO")
	}
}

func TestCatalog_DisabledModule(t *testing.T) {
	hs := newHarness(t)
	mod := hs.provider("tools", spec("thing", true, &testHandler{}))
	hs.ex = mustNew(t, hs, mod)
	hs.ex.Load()
	if len(hs.ex.Commands()) != 1 {
		t.Fatal("module command not loaded")
	}

	hs.db.disabled["tools"] = true
	hs.ex.Reload()
	if len(hs.ex.Commands()) != 0 {
		t.Error("disabled module still loaded")
	}

	delete(hs.db.disabled, "tools")
	hs.ex.Reload()
	if got := hs.ex.Commands(); len(got) != 1 || got[0].ID != 512 {
		t.Errorf("re-enabled module = %v, want id 512", got)
	}
}

func TestSend_BlockedTypes(t *testing.T) {
	send := func(s command.Session, _ []byte, _ types.TypeID) {
		for _, typ := range []types.TypeID{types.TypeIdle, types.TypeNewCmd, types.TypePeerInfo, types.TypeP2POpen, types.TypeBytes} {
			s.Send(typ, []byte{1})
		}
	}
	hs := newHarness(t)
	hs.ex = mustNew(t, hs,
		hs.provider(command.BuiltinName, spec("inner", true, &testHandler{fn: send})),
		hs.provider("tools", spec("outer", true, &testHandler{fn: send})))
	hs.ex.Load()

	collect := func(id uint16) []types.TypeID {
		var out []types.TypeID
		for _, f := range hs.sink.frames {
			if f.CmdID == id && f.Type != types.TypeIdle {
				out = append(out, f.Type)
			}
		}
		return out
	}

	hs.sink.reset()
	inner := hs.id("inner")
	hs.exec(inner, "")
	if got := collect(inner); !slices.Equal(got, []types.TypeID{types.TypePeerInfo, types.TypeP2POpen, types.TypeBytes}) {
		t.Errorf("builtin output = %v", got)
	}

	hs.sink.reset()
	outer := hs.id("outer")
	hs.exec(outer, "")
	if got := collect(outer); !slices.Equal(got, []types.TypeID{types.TypeBytes}) {
		t.Errorf("module output = %v", got)
	}
}

func TestDependents(t *testing.T) {
	inner := &testHandler{fn: func(s command.Session, _ []byte, _ types.TypeID) { s.MainText("inner") }}
	outer := &dependentHandler{}
	hs := newHarness(t)
	hs.ex = mustNew(t, hs,
		hs.provider(command.BuiltinName, spec("helper", false, inner)),
		hs.provider("tools", command.Spec{Name: "outer", Public: true, New: func() command.Handler { return outer }}))
	hs.ex.Load()

	id := hs.id("outer")
	hs.sink.reset()
	hs.exec(id, "")
	if !outer.found {
		t.Fatal("dependent not attached")
	}
	texts := hs.sink.of(types.TypeText)
	if len(texts) != 1 || texts[0].CmdID != id {
		t.Errorf("dependent output = %v", texts)
	}
}

type dependentHandler struct{ found bool }

func (d *dependentHandler) Dependents() []string { return []string{"HELPER", "missing"} }

func (d *dependentHandler) Process(s command.Session, data []byte, t types.TypeID) {
	if dep := s.Dependent("helper"); dep != nil {
		d.found = true
		dep.Process(s, data, t)
	}
	if s.Dependent("missing") != nil {
		panic("unknown dependent attached")
	}
	if s.Control() != nil {
		panic("module command received executor controls")
	}
}
