package transcript

import (
	"encoding/json"
	"sync"

	"whisperdeck/log"
	"whisperdeck/uplink"
)

// Subscriber is the inbound side of the streaming channel.
type Subscriber interface {
	On(event string, h uplink.Handler)
}

// Consumer folds inbound channel events into a State.
type Consumer struct {
	state *State

	mu       sync.Mutex
	onUpdate []func()
	onError  []func(message string)
}

func NewConsumer(state *State) *Consumer {
	return &Consumer{state: state}
}

// Subscribe registers the consumer's handlers on sub.
func (c *Consumer) Subscribe(sub Subscriber) {
	sub.On(uplink.EventTranscriptionResponse, c.HandleResponse)
	sub.On(uplink.EventError, c.HandleError)
}

func (c *Consumer) State() *State { return c.state }

// OnUpdate registers fn to run after every applied response.
func (c *Consumer) OnUpdate(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUpdate = append(c.onUpdate, fn)
}

// OnError registers fn to receive server error messages.
func (c *Consumer) OnError(fn func(message string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = append(c.onError, fn)
}

func (c *Consumer) HandleResponse(data json.RawMessage) {
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		log.Warnf("transcription_response: %v", err)
		return
	}
	c.state.Apply(r)

	c.mu.Lock()
	fns := append([]func(){}, c.onUpdate...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// HandleError logs a server error. Transcript and term state are untouched.
func (c *Consumer) HandleError(data json.RawMessage) {
	msg := errorMessage(data)
	log.ServerError(msg)

	c.mu.Lock()
	fns := append([]func(string){}, c.onError...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

// errorMessage accepts either a bare JSON string or {"message": "..."}.
func errorMessage(data json.RawMessage) string {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(data)
}
