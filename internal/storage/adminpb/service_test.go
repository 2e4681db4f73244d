package adminpb

import (
	"context"
	"errors"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

type fakeAdminServer struct {
	tables []string
}

func (f *fakeAdminServer) ListTables(ctx context.Context, req *ListTablesRequest) (*ListTablesResponse, error) {
	return &ListTablesResponse{Tables: f.tables}, nil
}

func (f *fakeAdminServer) GetPage(ctx context.Context, req *GetPageRequest) (*GetPageResponse, error) {
	if req.LogicalPageID == 0 {
		return nil, errors.New("page 0 is reserved")
	}
	return &GetPageResponse{ID: req.LogicalPageID, Type: "TableHeap", CRCValid: true}, nil
}

func (f *fakeAdminServer) Stats(ctx context.Context, req *StatsRequest) (*StatsResponse, error) {
	return &StatsResponse{PageSize: 8192, NumAllocatedPages: 3}, nil
}

func (f *fakeAdminServer) TriggerCheckpoint(ctx context.Context, req *TriggerCheckpointRequest) (*TriggerCheckpointResponse, error) {
	return &TriggerCheckpointResponse{CheckpointLSN: 42}, nil
}

func dialBufconn(t *testing.T, srv AdminServer) AdminClient {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	s := grpc.NewServer()
	RegisterAdminServer(s, srv)
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufconn",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewAdminClient(conn)
}

func TestAdminService_ListTables(t *testing.T) {
	client := dialBufconn(t, &fakeAdminServer{tables: []string{"orders", "users"}})
	resp, err := client.ListTables(context.Background(), &ListTablesRequest{Tenant: "acme"})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Tables) != 2 || resp.Tables[0] != "orders" {
		t.Fatalf("got %v", resp.Tables)
	}
}

func TestAdminService_GetPage(t *testing.T) {
	client := dialBufconn(t, &fakeAdminServer{})
	resp, err := client.GetPage(context.Background(), &GetPageRequest{LogicalPageID: 5})
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != 5 || resp.Type != "TableHeap" {
		t.Fatalf("got %+v", resp)
	}

	if _, err := client.GetPage(context.Background(), &GetPageRequest{LogicalPageID: 0}); err == nil {
		t.Fatal("expected error for reserved page 0")
	}
}

func TestAdminService_StatsAndCheckpoint(t *testing.T) {
	client := dialBufconn(t, &fakeAdminServer{})
	stats, err := client.Stats(context.Background(), &StatsRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if stats.PageSize != 8192 {
		t.Fatalf("got %+v", stats)
	}

	ckpt, err := client.TriggerCheckpoint(context.Background(), &TriggerCheckpointRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if ckpt.CheckpointLSN != 42 {
		t.Fatalf("got %+v", ckpt)
	}
}
