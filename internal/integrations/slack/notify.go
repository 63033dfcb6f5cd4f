// Package slackbot posts consensus run summaries to a Slack channel.
package slackbot

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/slack-go/slack"
)

// maxSectionText is Slack's limit for a section block's text.
const maxSectionText = 3000

type Notifier struct {
	api     *slack.Client
	channel string
}

func NewNotifier(token, channel string, opts ...slack.Option) *Notifier {
	return &Notifier{api: slack.New(token, opts...), channel: channel}
}

// PostSummary sends title as a header and body (Slack mrkdwn) as one or more
// section blocks. It returns the message timestamp.
func (n *Notifier) PostSummary(ctx context.Context, title, body string) (string, error) {
	if n.channel == "" {
		return "", fmt.Errorf("slack notify: no channel configured")
	}
	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, title, false, false)),
	}
	for _, chunk := range chunkText(body, maxSectionText) {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, chunk, false, false),
			nil, nil,
		))
	}

	channel, ts, err := n.api.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(title, false),
		slack.MsgOptionBlocks(blocks...),
	)
	if err != nil {
		return "", fmt.Errorf("slack notify: %w", err)
	}
	log.Printf("slack notify channel=%s ts=%s blocks=%d", channel, ts, len(blocks))
	return ts, nil
}

// chunkText splits on line boundaries so no chunk exceeds limit bytes. A
// single oversized line is cut hard.
func chunkText(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var chunks []string
	var cur strings.Builder
	for _, line := range strings.Split(text, "\n") {
		for len(line) > limit {
			if cur.Len() > 0 {
				chunks = append(chunks, cur.String())
				cur.Reset()
			}
			chunks = append(chunks, line[:limit])
			line = line[limit:]
		}
		if cur.Len() > 0 && cur.Len()+1+len(line) > limit {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(line)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}
