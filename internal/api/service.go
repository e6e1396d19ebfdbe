// Package api exposes the sync core over gRPC. Requests and responses are
// google.protobuf.Struct values so no generated code is needed.
package api

import (
	"context"
	"errors"

	"github.com/matheus3301/chatsync/internal/failure"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatsync.v1.Control"

// ControlServer is the server side of the control service.
type ControlServer interface {
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Login(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Register(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Logout(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListConversations(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Resolve(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetActive(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Send(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartTyping(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StopTyping(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListFriends(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListRequests(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendRequest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendRequestByInvite(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Accept(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Reject(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GenerateInvite(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, grpc.ServerStream) error
}

type unaryHandler func(ControlServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, h unaryHandler) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return h(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return h(srv.(ControlServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes the control service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Status", ControlServer.Status),
		unary("Login", ControlServer.Login),
		unary("Register", ControlServer.Register),
		unary("Logout", ControlServer.Logout),
		unary("ListConversations", ControlServer.ListConversations),
		unary("Resolve", ControlServer.Resolve),
		unary("SetActive", ControlServer.SetActive),
		unary("ListMessages", ControlServer.ListMessages),
		unary("Send", ControlServer.Send),
		unary("StartTyping", ControlServer.StartTyping),
		unary("StopTyping", ControlServer.StopTyping),
		unary("ListFriends", ControlServer.ListFriends),
		unary("ListRequests", ControlServer.ListRequests),
		unary("SendRequest", ControlServer.SendRequest),
		unary("SendRequestByInvite", ControlServer.SendRequestByInvite),
		unary("Accept", ControlServer.Accept),
		unary("Reject", ControlServer.Reject),
		unary("GenerateInvite", ControlServer.GenerateInvite),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(ControlServer).Watch(in, stream)
			},
		},
	},
	Metadata: "chatsync/v1/control.proto",
}

// Register attaches srv to s.
func Register(s *grpc.Server, srv ControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// FullMethod returns the wire path of a control method.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// toStatus maps a workflow error to a gRPC status. The failure code and
// kind travel as a Struct detail so clients can recover them.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok && !isFailure(err) {
		return err
	}
	fe, ok := failure.As(err)
	if !ok {
		fe = failure.Network("backend unavailable", err)
	}
	st := grpcstatus.New(codeFor(fe.Kind), fe.Message)
	detail, derr := structpb.NewStruct(map[string]any{
		"code": string(fe.Code),
		"kind": fe.Kind.String(),
	})
	if derr != nil {
		return st.Err()
	}
	if withDetail, werr := st.WithDetails(detail); werr == nil {
		st = withDetail
	}
	return st.Err()
}

func isFailure(err error) bool {
	var fe *failure.Error
	return errors.As(err, &fe)
}

func codeFor(k failure.Kind) codes.Code {
	switch k {
	case failure.Validation:
		return codes.InvalidArgument
	case failure.Authorization:
		return codes.PermissionDenied
	case failure.NotFound:
		return codes.NotFound
	case failure.Programmer:
		return codes.FailedPrecondition
	default:
		return codes.Unavailable
	}
}

// FailureCode extracts the failure code carried by a status error, if any.
func FailureCode(err error) failure.Code {
	st, ok := grpcstatus.FromError(err)
	if !ok {
		return ""
	}
	for _, d := range st.Details() {
		if s, ok := d.(*structpb.Struct); ok {
			if v, ok := s.GetFields()["code"]; ok {
				return failure.Code(v.GetStringValue())
			}
		}
	}
	return ""
}
