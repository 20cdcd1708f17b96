package client

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/dmitrijs2005/transferbroker/internal/client/models"
	"github.com/dmitrijs2005/transferbroker/internal/common"
	pb "github.com/dmitrijs2005/transferbroker/internal/proto"
)

const uploadChunkSize = 256 << 10

type GRPCClient struct {
	endpointURL string
	conn        *grpc.ClientConn
	accessToken string
}

var _ Client = (*GRPCClient)(nil)

func withAccessToken(ctx context.Context, token string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	if md == nil {
		md = metadata.MD{}
	}
	md.Set(common.AccessTokenHeaderName, token)

	return metadata.NewOutgoingContext(ctx, md)
}

func (s *GRPCClient) accessTokenInterceptor(
	ctx context.Context,
	method string,
	req, reply any,
	cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker,
	opts ...grpc.CallOption,
) error {
	return invoker(withAccessToken(ctx, s.accessToken), method, req, reply, cc, opts...)
}

func (s *GRPCClient) streamAccessTokenInterceptor(
	ctx context.Context,
	desc *grpc.StreamDesc,
	cc *grpc.ClientConn,
	method string,
	streamer grpc.Streamer,
	opts ...grpc.CallOption,
) (grpc.ClientStream, error) {
	return streamer(withAccessToken(ctx, s.accessToken), desc, cc, method, opts...)
}

// NewGRPCClient connects to the broker at endpointURL and authenticates every
// call with accessToken. Extra dial options are appended after the defaults.
func NewGRPCClient(endpointURL, accessToken string, opts ...grpc.DialOption) (*GRPCClient, error) {
	c := &GRPCClient{endpointURL: endpointURL, accessToken: accessToken}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(c.accessTokenInterceptor),
		grpc.WithStreamInterceptor(c.streamAccessTokenInterceptor),
	}, opts...)

	conn, err := grpc.NewClient(endpointURL, dialOpts...)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return c, nil
}

func (s *GRPCClient) Close() error {
	return s.conn.Close()
}

func (s *GRPCClient) invoke(ctx context.Context, method string, in map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := s.conn.Invoke(ctx, pb.Method(method), req, out); err != nil {
		return nil, s.mapError(err)
	}
	return out, nil
}

func (s *GRPCClient) Initialize(ctx context.Context, t models.NewTransfer) (*models.Transfer, error) {
	recipients := make([]any, 0, len(t.Recipients))
	for _, r := range t.Recipients {
		recipients = append(recipients, r)
	}
	in := map[string]any{
		"resource_id": t.ResourceID,
		"filename":    t.Filename,
		"recipients":  recipients,
	}
	if len(t.DeclaredChecksum) > 0 {
		in["declared_checksum"] = hex.EncodeToString(t.DeclaredChecksum)
	}
	if len(t.Properties) > 0 {
		props := make(map[string]any, len(t.Properties))
		for k, v := range t.Properties {
			props[k] = v
		}
		in["properties"] = props
	}

	out, err := s.invoke(ctx, "Initialize", in)
	if err != nil {
		return nil, err
	}
	return transferFromStruct(out), nil
}

func (s *GRPCClient) Upload(ctx context.Context, transferID string, sizeHint int64, r io.Reader) (*models.Transfer, error) {
	md := []string{common.TransferIDHeaderName, transferID}
	if sizeHint > 0 {
		md = append(md, common.SizeHintHeaderName, strconv.FormatInt(sizeHint, 10))
	}
	ctx = metadata.AppendToOutgoingContext(ctx, md...)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := s.conn.NewStream(ctx, pb.UploadStream, pb.Method("Upload"))
	if err != nil {
		return nil, s.mapError(err)
	}

	buf := make([]byte, uploadChunkSize)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			// io.EOF here means the server ended the call; RecvMsg has the status
			if err := stream.SendMsg(wrapperspb.Bytes(buf[:n])); errors.Is(err, io.EOF) {
				break
			} else if err != nil {
				return nil, s.mapError(err)
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return nil, fmt.Errorf("read upload source: %w", rerr)
		}
	}

	if err := stream.CloseSend(); err != nil {
		return nil, s.mapError(err)
	}
	out := new(structpb.Struct)
	if err := stream.RecvMsg(out); err != nil {
		return nil, s.mapError(err)
	}
	return transferFromStruct(out), nil
}

func (s *GRPCClient) Download(ctx context.Context, transferID string, w io.Writer) (*models.Transfer, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := s.conn.NewStream(ctx, pb.DownloadStream, pb.Method("Download"))
	if err != nil {
		return nil, s.mapError(err)
	}
	req, err := structpb.NewStruct(map[string]any{"transfer_id": transferID})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, s.mapError(err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, s.mapError(err)
	}

	var written int64
	for {
		msg := new(wrapperspb.BytesValue)
		err := stream.RecvMsg(msg)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, s.mapError(err)
		}
		n, err := w.Write(msg.GetValue())
		written += int64(n)
		if err != nil {
			return nil, fmt.Errorf("write download: %w", err)
		}
	}

	hdr, err := stream.Header()
	if err != nil {
		return nil, s.mapError(err)
	}
	t := &models.Transfer{
		ID:       transferID,
		Filename: first(hdr, "filename"),
		Checksum: first(hdr, "checksum"),
		Size:     written,
	}
	if size, err := strconv.ParseInt(first(hdr, "size"), 10, 64); err == nil && size != written {
		return nil, fmt.Errorf("download truncated: got %d of %d bytes", written, size)
	}
	return t, nil
}

func (s *GRPCClient) ConfirmDownload(ctx context.Context, transferID, operationKey string) (*models.Confirmation, error) {
	in := map[string]any{"transfer_id": transferID}
	if operationKey != "" {
		in["operation_key"] = operationKey
	}
	out, err := s.invoke(ctx, "ConfirmDownload", in)
	if err != nil {
		return nil, err
	}
	return &models.Confirmation{
		TransferID:   str(out, "transfer_id"),
		Actor:        str(out, "actor"),
		ConfirmedAt:  parseTime(str(out, "confirmed_at")),
		AllConfirmed: out.GetFields()["all_confirmed"].GetBoolValue(),
	}, nil
}

func (s *GRPCClient) Cancel(ctx context.Context, transferID string) (*models.Transfer, error) {
	out, err := s.invoke(ctx, "Cancel", map[string]any{"transfer_id": transferID})
	if err != nil {
		return nil, err
	}
	return transferFromStruct(out), nil
}

func (s *GRPCClient) Status(ctx context.Context, transferID string) (*models.TransferStatus, error) {
	out, err := s.invoke(ctx, "GetStatus", map[string]any{"transfer_id": transferID})
	if err != nil {
		return nil, err
	}

	st := &models.TransferStatus{Transfer: *transferFromStruct(out)}
	for _, v := range out.GetFields()["history"].GetListValue().GetValues() {
		e := v.GetStructValue()
		st.History = append(st.History, models.StatusEvent{
			Status: str(e, "status"),
			At:     parseTime(str(e, "at")),
			Detail: str(e, "detail"),
		})
	}
	for _, v := range out.GetFields()["recipients"].GetListValue().GetValues() {
		r := v.GetStructValue()
		st.Recipients = append(st.Recipients, models.RecipientStatus{
			Actor:    str(r, "actor"),
			Status:   str(r, "status"),
			StatusAt: parseTime(str(r, "status_at")),
		})
	}
	return st, nil
}

// mapError converts gRPC status errors into the package's sentinel errors,
// keeping the server's message.
func (s *GRPCClient) mapError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	var sentinel error
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded:
		sentinel = ErrUnavailable
	case codes.Unauthenticated, codes.PermissionDenied:
		sentinel = ErrUnauthorized
	case codes.NotFound:
		sentinel = ErrNotFound
	case codes.InvalidArgument, codes.FailedPrecondition, codes.AlreadyExists:
		sentinel = ErrRejected
	default:
		return err
	}
	return fmt.Errorf("%w: %s", sentinel, st.Message())
}

func transferFromStruct(s *structpb.Struct) *models.Transfer {
	t := &models.Transfer{
		ID:         str(s, "transfer_id"),
		ResourceID: str(s, "resource_id"),
		Filename:   str(s, "filename"),
		Status:     str(s, "status"),
		StatusAt:   parseTime(str(s, "status_at")),
		CreatedAt:  parseTime(str(s, "created_at")),
		ExpiresAt:  parseTime(str(s, "expires_at")),
		Size:       int64(s.GetFields()["size"].GetNumberValue()),
		Checksum:   str(s, "checksum"),
	}
	if props := s.GetFields()["properties"].GetStructValue().GetFields(); len(props) > 0 {
		t.Properties = make(map[string]string, len(props))
		for k, v := range props {
			t.Properties[k] = v.GetStringValue()
		}
	}
	return t
}

func str(s *structpb.Struct, name string) string {
	return s.GetFields()[name].GetStringValue()
}

func first(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}
