package client

import (
	"strings"

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

// Fields identifying rq in the request log.
func (cl *Client) rpcFields(rq *Request, size int) []zap.Field {
	return []zap.Field{
		zap.String("client", cl.name),
		zap.String("rpcid", rq.rpcid),
		zap.String("peer", cl.addr),
		zap.Uint32("service", rq.service),
		zap.Int("attempt", rq.attempt_count),
		zap.Int("size", size),
	}
}

func (cl *Client) rpclogErr(rq *Request, err error) {
	if cl.rpclogger != nil {
		cl.rpclogger.Info(log_ERROR.String(), append(cl.rpcFields(rq, 0), zap.Error(err))...)
	}
}

func (cl *Client) rpclogRaw(rq *Request, b []byte, t rpclog_type) {
	if cl.rpclogger != nil {
		cl.rpclogger.Info(t.String(), append(cl.rpcFields(rq, len(b)), zap.String("payload", logString(b)))...)
	}
}
