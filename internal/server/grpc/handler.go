package grpc

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/dmitrijs2005/transferbroker/internal/common"
	"github.com/dmitrijs2005/transferbroker/internal/server/models"
	"github.com/dmitrijs2005/transferbroker/internal/server/services"
)

const downloadChunkSize = 256 << 10

func (s *GRPCServer) Initialize(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var sum []byte
	if h := field(req, "declared_checksum"); h != "" {
		b, err := hex.DecodeString(h)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, "declared_checksum must be hex")
		}
		sum = b
	}

	props, err := stringMap(req, "properties")
	if err != nil {
		return nil, err
	}

	t, err := s.transfers.Initialize(ctx, services.InitializeRequest{
		ResourceID:       field(req, "resource_id"),
		Filename:         field(req, "filename"),
		Sender:           actorFromContext(ctx),
		Recipients:       stringList(req, "recipients"),
		DeclaredChecksum: sum,
		Properties:       props,
	})
	if err != nil {
		return nil, toStatus(err)
	}

	s.logger.Info(ctx, "Initialized", "transfer_id", t.ID)
	return newStruct(transferFields(t))
}

func (s *GRPCServer) Upload(stream grpc.ServerStream) error {
	ctx := stream.Context()

	transferID := firstMD(ctx, common.TransferIDHeaderName)
	if transferID == "" {
		return status.Error(codes.InvalidArgument, "missing transfer-id metadata")
	}
	var sizeHint int64
	if v := firstMD(ctx, common.SizeHintHeaderName); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return status.Error(codes.InvalidArgument, "invalid size-hint metadata")
		}
		sizeHint = n
	}

	t, err := s.transfers.BeginUpload(ctx, actorFromContext(ctx), transferID, sizeHint, &chunkReader{stream: stream})
	if err != nil {
		s.logger.Warn(ctx, "Upload failed", "transfer_id", transferID, "error", err)
		return toStatus(err)
	}

	resp, err := newStruct(transferFields(t))
	if err != nil {
		return err
	}
	return stream.SendMsg(resp)
}

func (s *GRPCServer) Download(req *structpb.Struct, stream grpc.ServerStream) error {
	ctx := stream.Context()

	rc, t, err := s.transfers.Download(ctx, actorFromContext(ctx), field(req, "transfer_id"))
	if err != nil {
		return toStatus(err)
	}
	defer rc.Close()

	if err := stream.SendHeader(metadata.Pairs(
		"filename", t.Filename,
		"size", strconv.FormatInt(t.Size, 10),
		"checksum", hex.EncodeToString(t.Checksum),
	)); err != nil {
		return err
	}

	buf := make([]byte, downloadChunkSize)
	for {
		n, rerr := rc.Read(buf)
		if n > 0 {
			if err := stream.SendMsg(wrapperspb.Bytes(buf[:n])); err != nil {
				return err
			}
		}
		if errors.Is(rerr, io.EOF) {
			return nil
		}
		if rerr != nil {
			return toStatus(rerr)
		}
	}
}

func (s *GRPCServer) ConfirmDownload(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	c, err := s.transfers.ConfirmDownload(ctx, actorFromContext(ctx), field(req, "transfer_id"), field(req, "operation_key"))
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]any{
		"transfer_id":   c.TransferID,
		"actor":         actorFromContext(ctx),
		"confirmed_at":  formatTime(c.ConfirmedAt),
		"all_confirmed": c.AllConfirmed,
	})
}

func (s *GRPCServer) Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	t, err := s.transfers.Cancel(ctx, actorFromContext(ctx), field(req, "transfer_id"))
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(transferFields(t))
}

func (s *GRPCServer) GetStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	st, err := s.transfers.GetStatus(ctx, actorFromContext(ctx), field(req, "transfer_id"))
	if err != nil {
		return nil, toStatus(err)
	}

	out := transferFields(st.Transfer)

	history := make([]any, 0, len(st.History))
	for _, e := range st.History {
		history = append(history, map[string]any{
			"status": string(e.Status),
			"at":     formatTime(e.At),
			"detail": e.Detail,
		})
	}
	out["history"] = history

	recipients := make([]any, 0, len(st.Recipients))
	for _, r := range st.Recipients {
		rec := map[string]any{"actor": r.ExternalID, "status": string(r.Status)}
		if !r.StatusAt.IsZero() {
			rec["status_at"] = formatTime(r.StatusAt)
		}
		recipients = append(recipients, rec)
	}
	out["recipients"] = recipients

	return newStruct(out)
}

func (s *GRPCServer) ReportScanResult(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.scanner == "" || actorFromContext(ctx) != s.scanner {
		return nil, status.Error(codes.PermissionDenied, "scan results are accepted from the scanner only")
	}

	t, err := s.transfers.ReportScanResult(ctx, services.ScanResult{
		TransferID: field(req, "transfer_id"),
		Infected:   req.GetFields()["infected"].GetBoolValue(),
		Detail:     field(req, "detail"),
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(transferFields(t))
}

// chunkReader adapts an upload stream of BytesValue messages to io.Reader.
type chunkReader struct {
	stream grpc.ServerStream
	buf    []byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		msg := new(wrapperspb.BytesValue)
		if err := r.stream.RecvMsg(msg); err != nil {
			return 0, err
		}
		r.buf = msg.GetValue()
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func field(s *structpb.Struct, name string) string {
	return s.GetFields()[name].GetStringValue()
}

func stringList(s *structpb.Struct, name string) []string {
	values := s.GetFields()[name].GetListValue().GetValues()
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, v.GetStringValue())
	}
	return out
}

func stringMap(s *structpb.Struct, name string) (map[string]string, error) {
	fields := s.GetFields()[name].GetStructValue().GetFields()
	if len(fields) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		sv, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument, "property %q must be a string", k)
		}
		out[k] = sv.StringValue
	}
	return out, nil
}

func transferFields(t *models.FileTransfer) map[string]any {
	out := map[string]any{
		"transfer_id": t.ID,
		"resource_id": t.ResourceID,
		"filename":    t.Filename,
		"status":      string(t.Status),
		"status_at":   formatTime(t.StatusAt),
		"created_at":  formatTime(t.CreatedAt),
		"expires_at":  formatTime(t.ExpiresAt),
		"size":        float64(t.Size),
	}
	if len(t.Checksum) > 0 {
		out["checksum"] = hex.EncodeToString(t.Checksum)
	}
	if len(t.Properties) > 0 {
		props := make(map[string]any, len(t.Properties))
		for k, v := range t.Properties {
			props[k] = v
		}
		out["properties"] = props
	}
	return out
}

func newStruct(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return s, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
