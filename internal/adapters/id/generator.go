package id

import (
	"strconv"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

type Generator struct{}

func New() *Generator {
	return &Generator{}
}

func (g *Generator) generate(prefix string) string {
	id, err := gonanoid.New(21)
	if err != nil {
		return prefix + "_fallback"
	}
	return prefix + "_" + id
}

func (g *Generator) ConversationID() string {
	return g.generate("conv")
}

// MessageID embeds the ingest timestamp in base36 before a random suffix,
// so lexicographic order within a conversation matches server ingest order.
func (g *Generator) MessageID() string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 36)
	suffix, err := gonanoid.New(8)
	if err != nil {
		return "msg_" + ts + "_fallback"
	}
	return "msg_" + ts + suffix
}

func (g *Generator) SocketID() string {
	return g.generate("sock")
}

func (g *Generator) CorrelationID() string {
	return g.generate("corr")
}
