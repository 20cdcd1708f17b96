package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/dmitrijs2005/transferbroker/internal/client/models"
	"github.com/dmitrijs2005/transferbroker/internal/common"
	pb "github.com/dmitrijs2005/transferbroker/internal/proto"
)

// fakeBroker records what it receives and answers with canned values.
type fakeBroker struct {
	mu       sync.Mutex
	tokens   []string
	requests map[string]*structpb.Struct
	uploaded bytes.Buffer
	uploadMD metadata.MD
	content  string
	err      error
}

func (f *fakeBroker) record(ctx context.Context, method string, req *structpb.Struct) {
	f.mu.Lock()
	defer f.mu.Unlock()
	md, _ := metadata.FromIncomingContext(ctx)
	f.tokens = append(f.tokens, strings.Join(md.Get(common.AccessTokenHeaderName), ","))
	if req != nil {
		f.requests[method] = req
	}
}

func (f *fakeBroker) reply(fields map[string]any) (*structpb.Struct, error) {
	if f.err != nil {
		return nil, f.err
	}
	return structpb.NewStruct(fields)
}

func (f *fakeBroker) Initialize(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f.record(ctx, "Initialize", req)
	return f.reply(map[string]any{
		"transfer_id": "t-1", "status": "Initialized", "filename": req.Fields["filename"].GetStringValue(),
		"created_at": "2026-01-02T03:04:05Z",
	})
}

func (f *fakeBroker) ConfirmDownload(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f.record(ctx, "ConfirmDownload", req)
	return f.reply(map[string]any{
		"transfer_id": "t-1", "actor": "bob", "confirmed_at": "2026-01-02T03:04:05.5Z", "all_confirmed": true,
	})
}

func (f *fakeBroker) Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f.record(ctx, "Cancel", req)
	return f.reply(map[string]any{"transfer_id": "t-1", "status": "Cancelled"})
}

func (f *fakeBroker) GetStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f.record(ctx, "GetStatus", req)
	return f.reply(map[string]any{
		"transfer_id": "t-1", "status": "Published", "size": float64(5), "checksum": "abcd",
		"properties": map[string]any{"project": "apollo"},
		"history": []any{
			map[string]any{"status": "Initialized", "at": "2026-01-02T03:04:05Z"},
			map[string]any{"status": "Published", "at": "2026-01-02T03:04:06Z", "detail": "ok"},
		},
		"recipients": []any{map[string]any{"actor": "bob", "status": "DownloadStarted", "status_at": "2026-01-02T03:04:07Z"}},
	})
}

func (f *fakeBroker) ReportScanResult(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "not used")
}

func (f *fakeBroker) Upload(stream grpc.ServerStream) error {
	ctx := stream.Context()
	f.record(ctx, "Upload", nil)
	md, _ := metadata.FromIncomingContext(ctx)
	f.mu.Lock()
	f.uploadMD = md
	f.mu.Unlock()

	for {
		msg := new(wrapperspb.BytesValue)
		err := stream.RecvMsg(msg)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		f.mu.Lock()
		f.uploaded.Write(msg.GetValue())
		f.mu.Unlock()
	}
	out, err := f.reply(map[string]any{"transfer_id": "t-1", "status": "Published", "size": float64(f.uploaded.Len())})
	if err != nil {
		return err
	}
	return stream.SendMsg(out)
}

func (f *fakeBroker) Download(req *structpb.Struct, stream grpc.ServerStream) error {
	f.record(stream.Context(), "Download", req)
	if f.err != nil {
		return f.err
	}
	if err := stream.SendHeader(metadata.Pairs("filename", "a.txt", "size", "11", "checksum", "beef")); err != nil {
		return err
	}
	for _, part := range []string{"hello", " ", "world"} {
		if err := stream.SendMsg(wrapperspb.Bytes([]byte(part))); err != nil {
			return err
		}
	}
	return nil
}

func newTestClient(t *testing.T, f *fakeBroker) *GRPCClient {
	t.Helper()
	f.requests = map[string]*structpb.Struct{}

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&pb.ServiceDesc, f)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := NewGRPCClient("passthrough:///bufnet", "tok-123",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestGRPCClient_Initialize(t *testing.T) {
	f := &fakeBroker{}
	c := newTestClient(t, f)

	tr, err := c.Initialize(context.Background(), models.NewTransfer{
		ResourceID:       "R",
		Filename:         "a.txt",
		Recipients:       []string{"bob", "carol"},
		DeclaredChecksum: []byte{0xbe, 0xef},
		Properties:       map[string]string{"project": "apollo"},
	})
	require.NoError(t, err)
	assert.Equal(t, "t-1", tr.ID)
	assert.Equal(t, "Initialized", tr.Status)
	assert.Equal(t, 2026, tr.CreatedAt.Year())

	req := f.requests["Initialize"].AsMap()
	assert.Equal(t, "R", req["resource_id"])
	assert.Equal(t, []any{"bob", "carol"}, req["recipients"])
	assert.Equal(t, "beef", req["declared_checksum"])
	assert.Equal(t, map[string]any{"project": "apollo"}, req["properties"])
	assert.Equal(t, []string{"tok-123"}, f.tokens)
}

func TestGRPCClient_Upload(t *testing.T) {
	f := &fakeBroker{}
	c := newTestClient(t, f)

	payload := strings.Repeat("x", uploadChunkSize+10)
	tr, err := c.Upload(context.Background(), "t-1", int64(len(payload)), strings.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, "Published", tr.Status)
	assert.EqualValues(t, len(payload), tr.Size)

	assert.Equal(t, payload, f.uploaded.String())
	assert.Equal(t, []string{"t-1"}, f.uploadMD.Get(common.TransferIDHeaderName))
	assert.Equal(t, []string{"262154"}, f.uploadMD.Get(common.SizeHintHeaderName))
	assert.Equal(t, []string{"tok-123"}, f.uploadMD.Get(common.AccessTokenHeaderName))
}

func TestGRPCClient_Download(t *testing.T) {
	f := &fakeBroker{}
	c := newTestClient(t, f)

	var buf bytes.Buffer
	tr, err := c.Download(context.Background(), "t-1", &buf)
	require.NoError(t, err)
	assert.Equal(t, "hello world", buf.String())
	assert.Equal(t, "a.txt", tr.Filename)
	assert.Equal(t, "beef", tr.Checksum)
	assert.EqualValues(t, 11, tr.Size)
	assert.Equal(t, "t-1", f.requests["Download"].Fields["transfer_id"].GetStringValue())
}

func TestGRPCClient_ConfirmCancelStatus(t *testing.T) {
	f := &fakeBroker{}
	c := newTestClient(t, f)
	ctx := context.Background()

	conf, err := c.ConfirmDownload(ctx, "t-1", "op-9")
	require.NoError(t, err)
	assert.True(t, conf.AllConfirmed)
	assert.Equal(t, "bob", conf.Actor)
	assert.Equal(t, "op-9", f.requests["ConfirmDownload"].Fields["operation_key"].GetStringValue())

	tr, err := c.Cancel(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "Cancelled", tr.Status)

	st, err := c.Status(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "Published", st.Status)
	assert.EqualValues(t, 5, st.Size)
	assert.Equal(t, map[string]string{"project": "apollo"}, st.Properties)
	require.Len(t, st.History, 2)
	assert.Equal(t, "ok", st.History[1].Detail)
	require.Len(t, st.Recipients, 1)
	assert.Equal(t, "DownloadStarted", st.Recipients[0].Status)
	assert.False(t, st.Recipients[0].StatusAt.IsZero())
}

func TestGRPCClient_MapsErrors(t *testing.T) {
	tests := []struct {
		code codes.Code
		want error
	}{
		{codes.Unavailable, ErrUnavailable},
		{codes.PermissionDenied, ErrUnauthorized},
		{codes.Unauthenticated, ErrUnauthorized},
		{codes.NotFound, ErrNotFound},
		{codes.FailedPrecondition, ErrRejected},
		{codes.InvalidArgument, ErrRejected},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			f := &fakeBroker{err: status.Error(tt.code, "nope")}
			c := newTestClient(t, f)

			_, err := c.Cancel(context.Background(), "t-1")
			require.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), "nope")

			_, err = c.Download(context.Background(), "t-1", io.Discard)
			require.ErrorIs(t, err, tt.want)
		})
	}

	f := &fakeBroker{err: status.Error(codes.Internal, "boom")}
	c := newTestClient(t, f)
	_, err := c.Cancel(context.Background(), "t-1")
	assert.Equal(t, codes.Internal, status.Code(err))
}
