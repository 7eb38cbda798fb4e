/***************************************************************
 *
 * Copyright (C) 2026, Pelican Project, Morgridge Institute for Research
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

// Package cells is the message bus connecting the pool to the other
// services (namespace, pool manager, billing, peer pools).  Messages are
// delivered asynchronously; requests may be answered once, at any time,
// by the receiving handler.
package cells

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/pelicanplatform/diskpool/pool_errors"
	"github.com/pelicanplatform/diskpool/pool_structs"
)

type (
	Envelope struct {
		Id          uuid.UUID
		Source      string
		Destination string
		Message     any
		reply       func(any)
	}

	// Handler receives the messages sent to a cell.
	Handler interface {
		MessageArrived(ctx context.Context, env *Envelope)
	}

	HandlerFunc func(ctx context.Context, env *Envelope)

	// Callback receives the outcome of an asynchronous request; exactly
	// one method is called.
	Callback interface {
		AnswerArrived(reply any)
		AnswerTimedOut()
		ExceptionArrived(err error)
	}

	// CallbackFuncs adapts functions to Callback; nil members are skipped.
	CallbackFuncs struct {
		OnAnswer    func(reply any)
		OnTimeout   func()
		OnException func(err error)
	}

	Bus struct {
		mu       sync.RWMutex
		handlers map[string]Handler
		ctx      context.Context
		cancel   context.CancelFunc
	}

	// Endpoint sends messages on behalf of one cell.
	Endpoint struct {
		bus  *Bus
		name string
	}
)

func (f HandlerFunc) MessageArrived(ctx context.Context, env *Envelope) {
	f(ctx, env)
}

func (c CallbackFuncs) AnswerArrived(reply any) {
	if c.OnAnswer != nil {
		c.OnAnswer(reply)
	}
}

func (c CallbackFuncs) AnswerTimedOut() {
	if c.OnTimeout != nil {
		c.OnTimeout()
	}
}

func (c CallbackFuncs) ExceptionArrived(err error) {
	if c.OnException != nil {
		c.OnException(err)
	}
}

// ExpectsReply reports whether the sender waits for an answer.
func (e *Envelope) ExpectsReply() bool {
	return e.reply != nil
}

// Reply answers the request.  Only the first reply is delivered; replies
// to one-way messages are dropped.
func (e *Envelope) Reply(msg any) {
	if e.reply != nil {
		e.reply(msg)
	}
}

// ReplyError answers the request with an error.
func (e *Envelope) ReplyError(err error) {
	e.Reply(err)
}

func NewBus() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		handlers: make(map[string]Handler),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Register routes messages for name to handler, replacing any previous
// registration.
func (b *Bus) Register(name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = handler
}

func (b *Bus) Unregister(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, name)
}

func (b *Bus) lookup(name string) Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.handlers[name]
}

// Close cancels the context handed to handlers.
func (b *Bus) Close() {
	b.cancel()
}

func (b *Bus) Endpoint(name string) *Endpoint {
	return &Endpoint{bus: b, name: name}
}

func (ep *Endpoint) Name() string {
	return ep.name
}

func noRoute(dest string) error {
	return pool_errors.CommunicationFailure(nil, "no route to cell %s", dest)
}

func (ep *Endpoint) deliver(dest string, msg any, reply func(any)) error {
	handler := ep.bus.lookup(dest)
	if handler == nil {
		return noRoute(dest)
	}
	env := &Envelope{
		Id:          uuid.New(),
		Source:      ep.name,
		Destination: dest,
		Message:     msg,
		reply:       reply,
	}
	log.Tracef("Cell %s sending %T (%s) to %s", ep.name, msg, env.Id, dest)
	go handler.MessageArrived(ep.bus.ctx, env)
	return nil
}

// Notify sends a one-way message.
func (ep *Endpoint) Notify(dest string, msg any) error {
	return ep.deliver(dest, msg, nil)
}

// SendAsync sends a request and reports the outcome to cb.  A reply that
// is an error, or a Reply with a non-zero return code, is delivered
// through ExceptionArrived.
func (ep *Endpoint) SendAsync(dest string, msg any, timeout time.Duration, cb Callback) {
	replies := make(chan any, 1)
	var once sync.Once
	err := ep.deliver(dest, msg, func(r any) {
		once.Do(func() { replies <- r })
	})
	if err != nil {
		go cb.ExceptionArrived(err)
		return
	}
	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case r := <-replies:
			if err := replyError(r); err != nil {
				cb.ExceptionArrived(err)
				return
			}
			cb.AnswerArrived(r)
		case <-timer.C:
			cb.AnswerTimedOut()
		case <-ep.bus.ctx.Done():
			cb.ExceptionArrived(pool_errors.Interrupted(ep.bus.ctx.Err(), "message bus closed"))
		}
	}()
}

// Request sends msg and waits up to timeout for the reply.
func (ep *Endpoint) Request(ctx context.Context, dest string, msg any, timeout time.Duration) (any, error) {
	replies := make(chan any, 1)
	var once sync.Once
	if err := ep.deliver(dest, msg, func(r any) {
		once.Do(func() { replies <- r })
	}); err != nil {
		return nil, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-replies:
		return r, replyError(r)
	case <-timer.C:
		return nil, pool_errors.Newf(pool_errors.KindCommunicationFailure, pool_errors.CodeTimeoutCommunication,
			"request to %s timed out after %s", dest, timeout)
	case <-ctx.Done():
		return nil, pool_errors.Interrupted(ctx.Err(), "request to "+dest+" interrupted")
	}
}

func replyError(r any) error {
	switch reply := r.(type) {
	case error:
		return reply
	case pool_structs.Reply:
		return pool_errors.FromCode(reply.GetReturnCode(), reply.GetErrorMsg())
	}
	return nil
}
