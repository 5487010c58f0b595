package server

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/kotonoha-labs/kotonoha/backend/internal/auth"
	"github.com/kotonoha-labs/kotonoha/backend/internal/changeset"
	"github.com/kotonoha-labs/kotonoha/backend/internal/database"
	"github.com/kotonoha-labs/kotonoha/backend/internal/lexicon"
	"github.com/kotonoha-labs/kotonoha/backend/internal/quota"
	"github.com/kotonoha-labs/kotonoha/backend/internal/token"
	"github.com/kotonoha-labs/kotonoha/backend/internal/users"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const testAdminKey = "operator-key"

type captureMailer struct {
	mu    sync.Mutex
	links []string
}

func (m *captureMailer) SendMagicLink(_ context.Context, _ string, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links = append(m.links, link)
	return nil
}

func (m *captureMailer) lastLink(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.links) == 0 {
		t.Fatalf("no magic link was delivered")
	}
	return m.links[len(m.links)-1]
}

type handlerFixture struct {
	handler *httpHandler
	db      *gorm.DB
	mailer  *captureMailer
	clock   *testClock
}

type testClock struct {
	mu      sync.Mutex
	current int64
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Unix(c.current, 0).UTC()
}

func (c *testClock) Advance(seconds int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current += seconds
}

func newHandlerFixture(t *testing.T, limits Limits) *handlerFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:kotonoha_server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.Migrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &testClock{current: 1700000000}
	quotaService, err := quota.NewService(quota.ServiceConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct quota service: %v", err)
	}
	tokenStore, err := token.NewStore(token.StoreConfig{Database: db, Clock: clock.Now, TokenTTL: 15 * time.Minute})
	if err != nil {
		t.Fatalf("failed to construct token store: %v", err)
	}
	usersService, err := users.NewService(users.ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: users.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct users service: %v", err)
	}
	mergeEngine, err := lexicon.NewEngine(lexicon.EngineConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct merge engine: %v", err)
	}
	changesetService, err := changeset.NewService(changeset.ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: users.NewUUIDProvider(),
		Ledger:     quotaService,
		Merger:     mergeEngine,
	})
	if err != nil {
		t.Fatalf("failed to construct changeset service: %v", err)
	}
	sessionIssuer := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "kotonoha-auth",
		Audience:      "kotonoha-api",
		SessionTTL:    time.Hour,
		Clock:         clock.Now,
	})
	adminHash, err := bcrypt.GenerateFromPassword([]byte(testAdminKey), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash admin key: %v", err)
	}

	outbox := &captureMailer{}
	return &handlerFixture{
		handler: &httpHandler{
			sessions:   sessionIssuer,
			users:      usersService,
			quota:      quotaService,
			tokens:     tokenStore,
			changesets: changesetService,
			lexicon:    mergeEngine,
			mailer:     outbox,
			adminKeys:  auth.NewAdminKeyVerifier(string(adminHash)),
			limits:     limits,
			logger:     zap.NewNop(),
		},
		db:     db,
		mailer: outbox,
		clock:  clock,
	}
}

// withParam injects a route parameter before invoking the handler, standing
// in for gin's router match.
func withParam(handle gin.HandlerFunc, key, value string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Params = append(c.Params, gin.Param{Key: key, Value: value})
		handle(c)
	}
}

func defaultTestLimits() Limits {
	return Limits{
		BaseURL:             "http://localhost:8080",
		EmailWindow:         time.Hour,
		EmailWindowLimit:    5,
		IPWindow:            10 * time.Minute,
		IPWindowLimit:       100,
		Cooldown:            0,
		CloudOcrDailyLimit:  30,
		AiMeaningDailyLimit: 50,
		ProofreadMaxTokens:  10,
	}
}
