package cmd

import "context"

// noopEmbedder satisfies jwc.Embedder for commands that only inspect node
// state and never need a real chat-platform voice connection.
type noopEmbedder struct{}

func (noopEmbedder) InAudioChannel(context.Context, string) (bool, error) { return false, nil }
func (noopEmbedder) Connect(context.Context, string, string) error        { return nil }
func (noopEmbedder) Disconnect(context.Context, string) error             { return nil }
