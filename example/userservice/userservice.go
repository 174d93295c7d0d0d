// Package userservice is the demo service shipped with tiny-rpc: the interface, its dispatch
// table for the server, a hand-written client stub and a toy implementation.
package userservice

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"tiny-rpc/client"
	"tiny-rpc/server"
)

// Name is the interface identifier callers and the registry use.
const Name = "UserService"

type UserService interface {
	GetUserName(ctx context.Context, userID int32) (string, error)
	CreateUser(ctx context.Context, username string, age int32) (bool, error)
	GetUserInfo(ctx context.Context, userID int32) (string, error)
}

// ServiceDesc is the dispatch table of UserService.
var ServiceDesc = server.ServiceDesc{
	Name:        Name,
	HandlerType: (*UserService)(nil),
	Methods: []server.MethodDesc{
		{
			Name:     "GetUserName",
			ArgTypes: []string{"int32"},
			Handler: func(srv any, ctx context.Context, dec func(int, any) error) (any, error) {
				var id int32
				if err := dec(0, &id); err != nil {
					return nil, err
				}
				return srv.(UserService).GetUserName(ctx, id)
			},
		},
		{
			Name:     "CreateUser",
			ArgTypes: []string{"string", "int32"},
			Handler: func(srv any, ctx context.Context, dec func(int, any) error) (any, error) {
				var (
					name string
					age  int32
				)
				if err := dec(0, &name); err != nil {
					return nil, err
				}
				if err := dec(1, &age); err != nil {
					return nil, err
				}
				return srv.(UserService).CreateUser(ctx, name, age)
			},
		},
		{
			Name:     "GetUserInfo",
			ArgTypes: []string{"int32"},
			Handler: func(srv any, ctx context.Context, dec func(int, any) error) (any, error) {
				var id int32
				if err := dec(0, &id); err != nil {
					return nil, err
				}
				return srv.(UserService).GetUserInfo(ctx, id)
			},
		},
	},
}

type stub struct {
	inv client.Invoker
}

// NewClient returns a UserService whose methods run remotely through inv.
func NewClient(inv client.Invoker) UserService {
	return &stub{inv: inv}
}

func (s *stub) GetUserName(ctx context.Context, userID int32) (string, error) {
	return client.Call[string](ctx, s.inv, Name, "GetUserName", []string{"int32"}, userID)
}

func (s *stub) CreateUser(ctx context.Context, username string, age int32) (bool, error) {
	return client.Call[bool](ctx, s.inv, Name, "CreateUser", []string{"string", "int32"}, username, age)
}

func (s *stub) GetUserInfo(ctx context.Context, userID int32) (string, error) {
	return client.Call[string](ctx, s.inv, Name, "GetUserInfo", []string{"int32"}, userID)
}

// Impl answers from made-up data.
type Impl struct {
	Logger *logrus.Entry
}

func (u *Impl) log() *logrus.Entry {
	if u.Logger == nil {
		return logrus.WithField("service", Name)
	}
	return u.Logger
}

func (u *Impl) GetUserName(ctx context.Context, userID int32) (string, error) {
	u.log().Debugf("GetUserName(%d)", userID)
	return fmt.Sprintf("user-%d", userID), nil
}

func (u *Impl) CreateUser(ctx context.Context, username string, age int32) (bool, error) {
	u.log().Debugf("CreateUser(%q, %d)", username, age)
	if username == "" {
		return false, errors.New("username must not be empty")
	}
	if age < 0 || age > 150 {
		return false, errors.Errorf("age %d out of range", age)
	}
	return true, nil
}

func (u *Impl) GetUserInfo(ctx context.Context, userID int32) (string, error) {
	u.log().Debugf("GetUserInfo(%d)", userID)
	return fmt.Sprintf("id:%d,name:user-%d,age:25", userID, userID), nil
}
