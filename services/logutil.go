package services

import (
	"strings"

	pb "github.com/gogo/protobuf/proto"
	"go.uber.org/zap"
)

type rpclog_type int

const (
	log_REQUEST rpclog_type = iota
	log_RESPONSE
	log_ERROR
)

func (t rpclog_type) String() string {
	switch t {
	case log_REQUEST:
		return "REQ"
	case log_RESPONSE:
		return "RSP"
	case log_ERROR:
		return "ERR"
	default:
		return ""
	}
}

func transformRuneToPrintable(r rune) rune {
	if r >= 32 && r < 127 {
		return r
	}
	return '.'
}

func logString(str []byte) string {
	return strings.Map(transformRuneToPrintable, string(str))
}

func (c *Context) logger() *zap.Logger {
	return c.session.cfg.RequestLogger
}

// Fields identifying the call of c in the request log.
func (c *Context) rpcFields(size int) []zap.Field {
	return []zap.Field{
		zap.String("rpcid", c.token),
		zap.String("session", c.session.Id()),
		zap.Uint64("sequence", c.sequence),
		zap.Uint32("service", c.service),
		zap.Int("size", size),
	}
}

func (c *Context) rpclogErr(err error) {
	if l := c.logger(); l != nil {
		l.Info(log_ERROR.String(), append(c.rpcFields(0), zap.Error(err))...)
	}
}

func (c *Context) rpclogPB(p pb.Message, t rpclog_type) {
	if l := c.logger(); l != nil {
		if (c.log_state == 0 && t == log_REQUEST) ||
			(c.log_state == 1 && t == log_RESPONSE) {

			l.Info(t.String(), append(c.rpcFields(pb.Size(p)), zap.Stringer("message", p))...)
			c.log_state++
		}
	}
}

func (c *Context) rpclogRaw(b []byte, t rpclog_type) {
	if l := c.logger(); l != nil {
		if (c.log_state == 0 && t == log_REQUEST) ||
			(c.log_state == 1 && t == log_RESPONSE) {

			l.Info(t.String(), append(c.rpcFields(len(b)), zap.String("payload", logString(b)))...)
			c.log_state++
		}
	}
}
