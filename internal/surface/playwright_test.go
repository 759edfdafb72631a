package surface

import (
	"context"
	"testing"

	xerrors "AgentHive/internal/errors"
	"AgentHive/internal/session"
	"AgentHive/pkg/logger"
)

// fakeSessionStore 用内存 map 模拟会话存储。
type fakeSessionStore struct {
	saved map[string]*session.Session
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{saved: make(map[string]*session.Session)}
}

func (f *fakeSessionStore) Load(_ context.Context, agent, surface string) (*session.Session, error) {
	s, ok := f.saved[agent+"/"+surface]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (f *fakeSessionStore) Save(_ context.Context, s *session.Session) error {
	f.saved[s.Agent+"/"+s.Surface] = s.Clone()
	return nil
}

func (f *fakeSessionStore) Delete(_ context.Context, agent, surface string) error {
	delete(f.saved, agent+"/"+surface)
	return nil
}

func (f *fakeSessionStore) Close() error { return nil }

// newGatingDriver 构造只用于校验 Perform 准入逻辑的驱动，不启动浏览器。
func newGatingDriver() *PlaywrightDriver {
	return &PlaywrightDriver{
		name:     "x",
		locks:    NewKeyedLock(),
		contexts: make(map[string]*agentContext),
		log:      logger.Named("surface.x"),
	}
}

func TestPerformValidatesAction(t *testing.T) {
	d := newGatingDriver()

	_, err := d.Perform(context.Background(), Action{Kind: "scroll", Agent: "social"})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for unsupported kind, got %v", err)
	}

	_, err = d.Perform(context.Background(), Action{
		Kind:    "post",
		Agent:   "social",
		Payload: map[string]string{"text": "   "},
	})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for empty text, got %v", err)
	}
}

func TestPerformRequiresAuthentication(t *testing.T) {
	d := newGatingDriver()

	_, err := d.Perform(context.Background(), Action{
		Kind:    "post",
		Agent:   "social",
		Payload: map[string]string{"text": "hello"},
	})
	if xerrors.CodeOf(err) != CodeAuthExpired {
		t.Fatalf("expected auth expired for unknown agent, got %v", err)
	}
}

func TestPerformBlocksDegradedSessionUntilReauth(t *testing.T) {
	d := newGatingDriver()
	d.contexts["social"] = &agentContext{authed: true, degraded: true}

	_, err := d.Perform(context.Background(), Action{
		Kind:    "post",
		Agent:   "social",
		Payload: map[string]string{"text": "hello"},
	})
	if xerrors.CodeOf(err) != CodeAuthExpired {
		t.Fatalf("expected auth expired for degraded session, got %v", err)
	}
}

func TestRestoreSessionSkipsDeadSession(t *testing.T) {
	store := newFakeSessionStore()
	if err := store.Save(context.Background(), &session.Session{
		Agent:   "social",
		Surface: "x",
		Tokens:  map[string]string{"auth_token": "a", "ct0": "b"},
		Live:    false,
	}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	d := newGatingDriver()
	d.sessions = store

	// 失效会话必须在触碰浏览器之前被拒绝，所以空白上下文也能通过
	if d.restoreSession(context.Background(), &agentContext{}, "social") {
		t.Fatal("dead session must not be restored via the cookie fast path")
	}
}

func TestMarkSessionDeadFlipsLiveFlag(t *testing.T) {
	store := newFakeSessionStore()
	if err := store.Save(context.Background(), &session.Session{
		Agent:   "social",
		Surface: "x",
		Tokens:  map[string]string{"auth_token": "a", "ct0": "b"},
		Live:    true,
	}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	d := newGatingDriver()
	d.sessions = store

	d.markSessionDead(context.Background(), "social")

	sess, err := store.Load(context.Background(), "social", "x")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if sess.Live {
		t.Fatal("expired session must be marked not live")
	}
}
