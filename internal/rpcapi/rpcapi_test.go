//go:build grpc

package rpcapi

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/notehub/collabcore/internal/auth"
	"github.com/notehub/collabcore/internal/editsession"
	"github.com/notehub/collabcore/internal/embedding"
	"github.com/notehub/collabcore/internal/notesrepo"
	"github.com/notehub/collabcore/internal/quota"
	"github.com/notehub/collabcore/internal/vectorindex"
)

const (
	testTenantHeader = "x-test-tenant-id"
	testRoleHeader   = "x-test-role"
)

// withTestTenant attaches a tenant id as outgoing metadata; the test
// server's testTenantInterceptor below reads it back and seeds the
// context the real AuthInterceptor would otherwise populate, so these
// tests can exercise Get/Search/Edit's tenant-scoping without a real
// credential store.
func withTestTenant(ctx context.Context, tenantID string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, testTenantHeader, tenantID)
}

// withTestRole attaches the principal role the stub auth interceptor
// should seed, so tests can exercise role-gated behavior (e.g. a
// Viewer being refused Edit) without a real credential store.
func withTestRole(ctx context.Context, role auth.Role) context.Context {
	return metadata.AppendToOutgoingContext(ctx, testRoleHeader, role.String())
}

func testTenantUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		return handler(seedTenantFromMetadata(ctx), req)
	}
}

func testTenantStreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		return handler(srv, &contextServerStream{ServerStream: ss, ctx: seedTenantFromMetadata(ss.Context())})
	}
}

// seedTenantFromMetadata defaults the stub principal's role to Owner so
// existing tenant-scoping tests need not set testRoleHeader explicitly;
// tests exercising role-gated rejection override it with withTestRole.
func seedTenantFromMetadata(ctx context.Context) context.Context {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx
	}
	vals := md.Get(testTenantHeader)
	if len(vals) == 0 {
		return ctx
	}
	tenant := &auth.Tenant{ID: vals[0]}
	role := auth.RoleOwner
	if roleVals := md.Get(testRoleHeader); len(roleVals) > 0 {
		role = auth.ParseRole(roleVals[0])
	}
	return auth.WithPrincipal(ctx, &auth.Principal{ID: "test-principal", TenantID: tenant.ID, Role: role}, tenant)
}

// denyQuota denies every TryConsume call; StreamAuthInterceptor is not
// part of dialBufconn's interceptor chain (testTenantStreamInterceptor
// stands in for it), so wiring this as Service.Quota isolates Edit's
// own per-patch-frame revalidation from stream-admission enforcement.
type denyQuota struct{}

func (denyQuota) TryConsume(ctx context.Context, tenant string, surface quota.Surface, bytesN int, overrides quota.Config) (quota.Decision, error) {
	return quota.Decision{Allowed: false}, nil
}

const bufSize = 1024 * 1024

type fakeRepo struct {
	notes map[string]notesrepo.Note
}

func (r *fakeRepo) Get(ctx context.Context, tenantID, noteID string) (notesrepo.Note, error) {
	n, ok := r.notes[noteID]
	if !ok {
		return notesrepo.Note{}, notesrepo.ErrNotFound
	}
	return n, nil
}

func (r *fakeRepo) CommitVersioned(ctx context.Context, tenantID, noteID string, expectedVersion int, patch notesrepo.Patch) (notesrepo.CommitResult, error) {
	n, ok := r.notes[noteID]
	if !ok {
		return notesrepo.CommitResult{}, notesrepo.ErrNotFound
	}
	if n.Version != expectedVersion {
		return notesrepo.CommitResult{Current: n.Version}, notesrepo.ErrVersionMismatch
	}
	if patch.Title != nil {
		n.Title = *patch.Title
	}
	if patch.Body != nil {
		n.Body = *patch.Body
	}
	n.Version++
	r.notes[noteID] = n
	return notesrepo.CommitResult{Note: n}, nil
}

type noopIndexer struct{}

func (noopIndexer) Upsert(noteID string, vector []float32) error { return nil }

// getTestDB connects to a real Postgres instance for integration tests
// that exercise Service.Get/Service.Search directly against
// *notesrepo.Repository. Skipped unless TEST_DATABASE_URL is set.
func getTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration tests")
	}
	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	if _, err := pool.Exec(context.Background(), `DELETE FROM note`); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	// note.tenant_id references tenant(id).
	if _, err := pool.Exec(context.Background(), `
		INSERT INTO tenant (id, display_name) VALUES ('tenant-1', 't1')
		ON CONFLICT (id) DO NOTHING`); err != nil {
		t.Fatalf("seed tenants: %v", err)
	}
	return pool
}

func dialBufconn(t *testing.T, svc *Service) (*grpc.ClientConn, func()) {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(RecoveryInterceptor(), CorrelationIDInterceptor(), testTenantUnaryInterceptor(), LoggingInterceptor()),
		grpc.ChainStreamInterceptor(testTenantStreamInterceptor()),
	)
	RegisterNoteRPCServiceServer(server, svc)
	go func() {
		_ = server.Serve(lis)
	}()

	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	return cc, func() {
		cc.Close()
		server.Stop()
	}
}

func TestGetAndSearch_AgainstRealRepository(t *testing.T) {
	pool := getTestDB(t)
	defer pool.Close()

	repo := notesrepo.New(pool)
	note, err := repo.Create(context.Background(), "tenant-1", "hello", "world")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	embed := embedding.Default(8)
	index := vectorindex.NewRegistry(vectorindex.Config{SnapshotDir: t.TempDir(), Dimension: 8})
	if err := index.ForTenant("tenant-1").Upsert(note.ID, embed(note.Title+"\n"+note.Body)); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	svc := &Service{Repo: repo, Index: index, Embed: embed}
	cc, cleanup := dialBufconn(t, svc)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ctx = withTestTenant(ctx, "tenant-1")

	var getReply NoteMessage
	if err := cc.Invoke(ctx, "/collabcore.notes.v1.NoteRPCService/Get", &GetRequest{NoteID: note.ID}, &getReply, grpc.CallContentSubtype("json")); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if getReply.NoteID != note.ID || getReply.Title != "hello" {
		t.Fatalf("unexpected Get reply: %+v", getReply)
	}

	var searchReply SearchResponse
	if err := cc.Invoke(ctx, "/collabcore.notes.v1.NoteRPCService/Search", &SearchRequest{Query: "hello", TopK: 5}, &searchReply, grpc.CallContentSubtype("json")); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(searchReply.Results) == 0 {
		t.Fatal("expected at least one search result")
	}
}

func TestEdit_StreamsInitThenUpdate(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	repo := &fakeRepo{notes: map[string]notesrepo.Note{
		"note-1": {ID: "note-1", TenantID: "tenant-1", Title: "hello", Body: "world", Version: 1},
	}}
	hub := editsession.NewHub(repo, rdb, func(tenantID string) editsession.Indexer { return noopIndexer{} }, func(text string) []float32 { return []float32{1, 0} })

	svc := &Service{Hub: hub}
	cc, cleanup := dialBufconn(t, svc)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ctx = withTestTenant(ctx, "tenant-1")

	stream, err := cc.NewStream(ctx, &grpc.StreamDesc{StreamName: "Edit", ServerStreams: true, ClientStreams: true}, "/collabcore.notes.v1.NoteRPCService/Edit", grpc.CallContentSubtype("json"))
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}

	if err := stream.SendMsg(&EditFrame{Type: "open", NoteID: "note-1"}); err != nil {
		t.Fatalf("send open: %v", err)
	}

	var initFrame EditFrame
	if err := stream.RecvMsg(&initFrame); err != nil {
		t.Fatalf("recv init: %v", err)
	}
	if initFrame.Type != "init" || initFrame.Version != 1 {
		t.Fatalf("unexpected init frame: %+v", initFrame)
	}

	newTitle := "updated"
	if err := stream.SendMsg(&EditFrame{Type: "patch", Version: 1, Title: &newTitle}); err != nil {
		t.Fatalf("send patch: %v", err)
	}

	var updateFrame EditFrame
	if err := stream.RecvMsg(&updateFrame); err != nil {
		t.Fatalf("recv update: %v", err)
	}
	if updateFrame.Type != "update" || updateFrame.Version != 2 {
		t.Fatalf("unexpected update frame: %+v", updateFrame)
	}

	if err := stream.CloseSend(); err != nil {
		t.Fatalf("CloseSend: %v", err)
	}
}

func TestEdit_ViewerRoleRejected(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	repo := &fakeRepo{notes: map[string]notesrepo.Note{
		"note-1": {ID: "note-1", TenantID: "tenant-1", Title: "hello", Body: "world", Version: 1},
	}}
	hub := editsession.NewHub(repo, rdb, func(tenantID string) editsession.Indexer { return noopIndexer{} }, func(text string) []float32 { return []float32{1, 0} })

	svc := &Service{Hub: hub}
	cc, cleanup := dialBufconn(t, svc)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ctx = withTestTenant(ctx, "tenant-1")
	ctx = withTestRole(ctx, auth.RoleViewer)

	stream, err := cc.NewStream(ctx, &grpc.StreamDesc{StreamName: "Edit", ServerStreams: true, ClientStreams: true}, "/collabcore.notes.v1.NoteRPCService/Edit", grpc.CallContentSubtype("json"))
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	if err := stream.SendMsg(&EditFrame{Type: "open", NoteID: "note-1"}); err != nil {
		t.Fatalf("send open: %v", err)
	}

	var initFrame EditFrame
	err = stream.RecvMsg(&initFrame)
	if err == nil {
		t.Fatal("expected a viewer to be refused before any init frame is sent")
	}
	if status.Code(err) != codes.PermissionDenied {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
}

func TestEdit_PatchFrameQuotaDeniedClosesSession(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	repo := &fakeRepo{notes: map[string]notesrepo.Note{
		"note-1": {ID: "note-1", TenantID: "tenant-1", Title: "hello", Body: "world", Version: 1},
	}}
	hub := editsession.NewHub(repo, rdb, func(tenantID string) editsession.Indexer { return noopIndexer{} }, func(text string) []float32 { return []float32{1, 0} })

	svc := &Service{Hub: hub, Quota: denyQuota{}, Overrides: func(string) quota.Config { return quota.Config{} }}
	cc, cleanup := dialBufconn(t, svc)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ctx = withTestTenant(ctx, "tenant-1")

	stream, err := cc.NewStream(ctx, &grpc.StreamDesc{StreamName: "Edit", ServerStreams: true, ClientStreams: true}, "/collabcore.notes.v1.NoteRPCService/Edit", grpc.CallContentSubtype("json"))
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	if err := stream.SendMsg(&EditFrame{Type: "open", NoteID: "note-1"}); err != nil {
		t.Fatalf("send open: %v", err)
	}

	var initFrame EditFrame
	if err := stream.RecvMsg(&initFrame); err != nil {
		t.Fatalf("recv init: %v", err)
	}

	newTitle := "updated"
	if err := stream.SendMsg(&EditFrame{Type: "patch", Version: 1, Title: &newTitle}); err != nil {
		t.Fatalf("send patch: %v", err)
	}

	var updateFrame EditFrame
	err = stream.RecvMsg(&updateFrame)
	if err == nil {
		t.Fatal("expected the session to close instead of applying the patch")
	}
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
}
