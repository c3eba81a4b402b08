package syncserver

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/odvcencio/usercache/pkg/bus"
	cacheerrors "github.com/odvcencio/usercache/pkg/errors"
	"github.com/odvcencio/usercache/pkg/syncer"
)

// QueueGroup is shared by all server instances so each request is handled
// once.
const QueueGroup = "usercache-server"

// ServeBus answers {prefix}.put and {prefix}.get on b until ctx is done.
func (s *Server) ServeBus(ctx context.Context, b bus.MessageBus, prefix string) error {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if b == nil || prefix == "" {
		return cacheerrors.New(cacheerrors.ErrCodeInvalidInput, "serve bus needs a bus and a subject prefix")
	}

	putSub, err := b.QueueSubscribe(ctx, prefix+"."+syncer.PutSubject, QueueGroup, s.handleBusPut)
	if err != nil {
		return cacheerrors.Wrap(err, cacheerrors.ErrCodeTransport, "subscribe put")
	}
	defer putSub.Unsubscribe()

	getSub, err := b.QueueSubscribe(ctx, prefix+"."+syncer.GetSubject, QueueGroup, s.handleBusGet)
	if err != nil {
		return cacheerrors.Wrap(err, cacheerrors.ErrCodeTransport, "subscribe get")
	}
	defer getSub.Unsubscribe()

	s.logger.Info("serving bus subjects", "prefix", prefix)
	<-ctx.Done()
	return nil
}

func (s *Server) handleBusPut(msg *bus.Message) []byte {
	var req syncer.UploadRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return busReply(syncer.Reply{}, cacheerrors.Wrap(err, cacheerrors.ErrCodeInvalidInput, "decode request"))
	}
	_, err := s.Put(context.Background(), req)
	s.metrics.observe("put", "bus", err)
	return busReply(syncer.Reply{}, err)
}

func (s *Server) handleBusGet(msg *bus.Message) []byte {
	var req syncer.DownloadRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return busReply(syncer.Reply{}, cacheerrors.Wrap(err, cacheerrors.ErrCodeInvalidInput, "decode request"))
	}
	entries, err := s.Get(context.Background(), req)
	s.metrics.observe("get", "bus", err)
	return busReply(syncer.Reply{Entries: entries}, err)
}

func busReply(reply syncer.Reply, err error) []byte {
	if err != nil {
		reply = syncer.Reply{Error: err.Error()}
	}
	data, _ := json.Marshal(reply)
	return data
}
