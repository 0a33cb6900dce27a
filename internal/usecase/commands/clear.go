package commands

import "context"

type QueueClearer interface {
	Clear() int
}

// ClearTTSCommand vacía la cola TTS.
type ClearTTSCommand struct {
	queue QueueClearer
}

func NewClearTTSCommand(queue QueueClearer) *ClearTTSCommand {
	return &ClearTTSCommand{queue: queue}
}

func (c *ClearTTSCommand) Name() string {
	return "cleartts"
}

func (c *ClearTTSCommand) Aliases() []string {
	return []string{"ttsclear"}
}

func (c *ClearTTSCommand) ModOnly() bool {
	return true
}

func (c *ClearTTSCommand) Handle(context.Context, *Context) error {
	if c.queue != nil {
		c.queue.Clear()
	}
	return nil
}
