// Package handler exposes the index services over gRPC with hand-written
// service descriptors and the JSON codec of package api.
package handler

import (
	"context"

	"google.golang.org/grpc"
)

// unary decodes the request into in and runs call, through the interceptor if any
func unary(
	srv interface{},
	ctx context.Context,
	dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor,
	in interface{},
	method string,
	call func(ctx context.Context) (interface{}, error),
) (interface{}, error) {
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return call(ctx)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: method,
	}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return call(ctx)
	})
}
