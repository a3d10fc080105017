package registry

import (
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/devtizi/city-cab/internal/logging"
	"github.com/devtizi/city-cab/internal/session/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	r := New(logging.Discard())
	r.nowF = clock.Now
	return r, clock
}

func reg(session, user, city string) Registration {
	return Registration{
		SessionID:      session,
		UserID:         user,
		UserType:       "USER",
		CityID:         city,
		CountryCode:    "ZA",
		ConnectionType: domain.ConnectionWeb,
	}
}

func assertAbsent(t *testing.T, r *Registry, sessionID, userID, cityID string) {
	t.Helper()
	if _, ok := r.Get(sessionID); ok {
		t.Errorf("Get(%s) still present", sessionID)
	}
	if slices.Contains(r.SessionsOf(userID), sessionID) {
		t.Errorf("SessionsOf(%s) still contains %s", userID, sessionID)
	}
	if len(r.Subscriptions(sessionID)) != 0 {
		t.Errorf("Subscriptions(%s) not cleared", sessionID)
	}
	for _, c := range r.ActiveConnections() {
		if c.SessionID == sessionID {
			t.Errorf("ActiveConnections still lists %s", sessionID)
		}
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r, clock := newTestRegistry(t)
	c := r.Register(Registration{
		SessionID: "s1", UserID: "d1", UserType: "DRIVER", CityID: "JHB", CountryCode: "ZA",
		ConnectionType: domain.ConnectionMobile,
	})
	if !c.IsActive || c.DisconnectedAt != nil {
		t.Fatalf("new connection should be active: %+v", c)
	}
	if !c.ConnectedAt.Equal(clock.Now()) || !c.LastActivityAt.Equal(clock.Now()) {
		t.Errorf("timestamps = %v / %v", c.ConnectedAt, c.LastActivityAt)
	}
	got, ok := r.Get("s1")
	if !ok {
		t.Fatal("Get: not found")
	}
	if got.UserType != "DRIVER" || got.CityID != "JHB" || got.ConnectionType != domain.ConnectionMobile {
		t.Errorf("Get = %+v", got)
	}
	if !slices.Equal(r.SessionsOf("d1"), []string{"s1"}) {
		t.Errorf("SessionsOf = %v", r.SessionsOf("d1"))
	}
	if !slices.Equal(r.UsersInCity("JHB"), []string{"d1"}) {
		t.Errorf("UsersInCity = %v", r.UsersInCity("JHB"))
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d", r.Count())
	}
}

func TestRegistry_GetReturnsCopy(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Register(reg("s1", "u1", "JHB"))
	c, _ := r.Get("s1")
	c.UserID = "mutated"
	c.IsActive = false
	again, _ := r.Get("s1")
	if again.UserID != "u1" || !again.IsActive {
		t.Error("Get must return an independent copy")
	}
}

func TestRegistry_RegisterThenRemove(t *testing.T) {
	r, clock := newTestRegistry(t)
	r.Register(reg("s1", "u1", "JHB"))
	r.AddSubscription("s1", "u1", "/topic/city/JHB")
	clock.Advance(time.Second)

	final, ok := r.Remove("s1")
	if !ok {
		t.Fatal("Remove: reported absent")
	}
	if final.IsActive || final.DisconnectedAt == nil || !final.DisconnectedAt.Equal(clock.Now()) {
		t.Errorf("final snapshot = %+v", final)
	}
	assertAbsent(t, r, "s1", "u1", "JHB")
	if len(r.UsersInCity("JHB")) != 0 {
		t.Errorf("UsersInCity = %v", r.UsersInCity("JHB"))
	}
	if len(r.SessionsSubscribedTo("/topic/city/JHB")) != 0 {
		t.Error("subscription index still references s1")
	}

	if _, ok := r.Remove("s1"); ok {
		t.Error("second Remove should report absent")
	}
	if _, ok := r.Remove("never-registered"); ok {
		t.Error("Remove of unknown session should report absent")
	}
}

func TestRegistry_CityMembershipFollowsLastSession(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Register(reg("s1", "u1", "JHB"))
	r.Register(reg("s2", "u1", "JHB"))

	r.Remove("s1")
	if !slices.Equal(r.UsersInCity("JHB"), []string{"u1"}) {
		t.Errorf("u1 should stay in JHB while s2 lives: %v", r.UsersInCity("JHB"))
	}
	r.Remove("s2")
	if len(r.UsersInCity("JHB")) != 0 {
		t.Errorf("u1 should leave JHB with its last session: %v", r.UsersInCity("JHB"))
	}
}

func TestRegistry_CityMembershipIsPerCity(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Register(reg("s1", "u1", "JHB"))
	r.Register(reg("s2", "u1", "CPT"))

	r.Remove("s1")
	if len(r.UsersInCity("JHB")) != 0 {
		t.Errorf("u1 has no session left in JHB: %v", r.UsersInCity("JHB"))
	}
	if !slices.Equal(r.UsersInCity("CPT"), []string{"u1"}) {
		t.Errorf("u1 still in CPT: %v", r.UsersInCity("CPT"))
	}
	if !slices.Equal(r.SessionsOf("u1"), []string{"s2"}) {
		t.Errorf("SessionsOf = %v", r.SessionsOf("u1"))
	}
}

func TestRegistry_DuplicateRegisterReplaces(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Register(reg("s1", "u1", "JHB"))
	r.AddSubscription("s1", "u1", "/topic/city/JHB")
	r.Register(reg("s1", "u2", "CPT"))

	got, _ := r.Get("s1")
	if got.UserID != "u2" || got.CityID != "CPT" {
		t.Errorf("Get = %+v, want u2/CPT", got)
	}
	if len(r.SessionsOf("u1")) != 0 {
		t.Errorf("stale user index: %v", r.SessionsOf("u1"))
	}
	if len(r.UsersInCity("JHB")) != 0 {
		t.Errorf("stale city index: %v", r.UsersInCity("JHB"))
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1", r.Count())
	}

	r.Register(reg("s1", "u2", "CPT"))
	r.Remove("s1")
	if len(r.UsersInCity("CPT")) != 0 {
		t.Errorf("re-registering the same user must not leak a city count: %v", r.UsersInCity("CPT"))
	}
}

func TestRegistry_AddSubscriptionIdempotent(t *testing.T) {
	r, clock := newTestRegistry(t)
	r.Register(reg("s1", "u1", "JHB"))
	clock.Advance(time.Minute)
	r.AddSubscription("s1", "u1", "/topic/rides")
	r.AddSubscription("s1", "u1", "/topic/rides")

	if subs := r.Subscriptions("s1"); !slices.Equal(subs, []string{"/topic/rides"}) {
		t.Errorf("Subscriptions = %v", subs)
	}
	c, _ := r.Get("s1")
	if !c.LastActivityAt.Equal(clock.Now()) {
		t.Errorf("LastActivityAt not bumped: %v", c.LastActivityAt)
	}

	r.RemoveSubscription("s1", "/topic/rides")
	if len(r.Subscriptions("s1")) != 0 {
		t.Errorf("RemoveSubscription left %v", r.Subscriptions("s1"))
	}
}

func TestRegistry_AddSubscriptionWithoutConnection(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.AddSubscription("ghost", "u1", "/topic/rides")
	if _, ok := r.Get("ghost"); ok {
		t.Fatal("AddSubscription must not create a connection")
	}
	if _, ok := r.Remove("ghost"); ok {
		t.Error("Remove of ghost should report absent")
	}
	if len(r.Subscriptions("ghost")) != 0 {
		t.Error("Remove should clear orphan subscriptions")
	}
}

func TestRegistry_SessionsSubscribedTo(t *testing.T) {
	r, _ := newTestRegistry(t)
	for i := 0; i < 5; i++ {
		sid := fmt.Sprintf("s%d", i)
		r.Register(reg(sid, fmt.Sprintf("u%d", i), "JHB"))
		if i%2 == 0 {
			r.AddSubscription(sid, "", "/topic/city/JHB")
		}
	}
	got := r.SessionsSubscribedTo("/topic/city/JHB")
	slices.Sort(got)
	if !slices.Equal(got, []string{"s0", "s2", "s4"}) {
		t.Errorf("SessionsSubscribedTo = %v", got)
	}
}

func TestRegistry_ActiveDriversInCity(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Register(Registration{SessionID: "s1", UserID: "d1", UserType: "DRIVER", CityID: "JHB"})
	r.Register(Registration{SessionID: "s2", UserID: "d2", UserType: "DRIVER", CityID: "CPT"})
	r.Register(Registration{SessionID: "s3", UserID: "r1", UserType: "USER", CityID: "JHB"})

	drivers := r.ActiveDriversInCity("JHB")
	if len(drivers) != 1 || drivers[0].UserID != "d1" {
		t.Errorf("ActiveDriversInCity(JHB) = %+v", drivers)
	}
	if n := len(r.ActiveConnections()); n != 3 {
		t.Errorf("ActiveConnections = %d, want 3", n)
	}
}

func TestRegistry_TouchActivity(t *testing.T) {
	r, clock := newTestRegistry(t)
	r.Register(reg("s1", "u1", "JHB"))
	clock.Advance(30 * time.Second)
	r.TouchActivity("s1")
	r.TouchActivity("unknown")
	c, _ := r.Get("s1")
	if !c.LastActivityAt.Equal(clock.Now()) {
		t.Errorf("LastActivityAt = %v, want %v", c.LastActivityAt, clock.Now())
	}
}

func TestRegistry_SweepIdle(t *testing.T) {
	r, clock := newTestRegistry(t)
	r.Register(reg("old", "u1", "JHB"))
	clock.Advance(time.Minute)
	r.Register(reg("edge", "u2", "JHB"))
	clock.Advance(4 * time.Minute)
	r.Register(reg("fresh", "u3", "JHB"))

	// cutoff = now - 4m: "old" (5m idle) is strictly older, "edge" sits exactly on the cutoff.
	removed := r.SweepIdle(4 * time.Minute)
	if len(removed) != 1 || removed[0].SessionID != "old" {
		t.Fatalf("SweepIdle removed %+v, want only old", removed)
	}
	if removed[0].IsActive || removed[0].DisconnectedAt == nil {
		t.Errorf("swept snapshot should be inactive: %+v", removed[0])
	}
	assertAbsent(t, r, "old", "u1", "JHB")
	for _, sid := range []string{"edge", "fresh"} {
		if _, ok := r.Get(sid); !ok {
			t.Errorf("%s should survive the sweep", sid)
		}
	}
	if got := r.UsersInCity("JHB"); !slices.Equal(got, []string{"u2", "u3"}) {
		t.Errorf("UsersInCity = %v", got)
	}
}

func TestRegistry_ConcurrentDistinctSessions(t *testing.T) {
	r, _ := newTestRegistry(t)
	const workers = 16
	const perWorker = 200
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			user := fmt.Sprintf("u%d", w%4)
			city := fmt.Sprintf("c%d", w%3)
			for i := 0; i < perWorker; i++ {
				sid := fmt.Sprintf("w%d-s%d", w, i)
				r.Register(reg(sid, user, city))
				r.AddSubscription(sid, user, "/topic/rides")
				r.TouchActivity(sid)
				if i%2 == 0 {
					r.Remove(sid)
				}
			}
		}(w)
	}
	wg.Wait()

	want := workers * perWorker / 2
	if r.Count() != want {
		t.Errorf("Count = %d, want %d", r.Count(), want)
	}
	total := 0
	for u := 0; u < 4; u++ {
		total += len(r.SessionsOf(fmt.Sprintf("u%d", u)))
	}
	if total != want {
		t.Errorf("user index holds %d sessions, want %d", total, want)
	}
	if n := len(r.SessionsSubscribedTo("/topic/rides")); n != want {
		t.Errorf("subscription index holds %d sessions, want %d", n, want)
	}
}

func TestRegistry_ConcurrentSameSession(t *testing.T) {
	r, _ := newTestRegistry(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			r.Register(reg("shared", fmt.Sprintf("u%d", i%5), fmt.Sprintf("c%d", i%3)))
		}(i)
		go func() {
			defer wg.Done()
			r.Remove("shared")
		}()
	}
	wg.Wait()
	r.Remove("shared")

	if r.Count() != 0 {
		t.Errorf("Count = %d, want 0", r.Count())
	}
	for u := 0; u < 5; u++ {
		if s := r.SessionsOf(fmt.Sprintf("u%d", u)); len(s) != 0 {
			t.Errorf("u%d still indexed: %v", u, s)
		}
	}
	for c := 0; c < 3; c++ {
		if users := r.UsersInCity(fmt.Sprintf("c%d", c)); len(users) != 0 {
			t.Errorf("c%d still indexed: %v", c, users)
		}
	}
}
