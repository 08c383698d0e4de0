// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord-bridge/pkg/connector/discordfmt"
	"github.com/aiku/matrix-discord-bridge/pkg/connector/matrixfmt"
	"github.com/aiku/matrix-discord-bridge/pkg/media"
)

var (
	imageExts = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp"}
	audioExts = []string{".mp3", ".ogg", ".oga", ".wav", ".flac", ".m4a", ".opus"}
	videoExts = []string{".mp4", ".webm", ".mov", ".mkv", ".avi"}
)

// classifyAttachment picks the Matrix message type for a file name.
func classifyAttachment(filename string) event.MessageType {
	ext := strings.ToLower(filepath.Ext(filename))
	switch {
	case slices.Contains(imageExts, ext):
		return event.MsgImage
	case slices.Contains(audioExts, ext):
		return event.MsgAudio
	case slices.Contains(videoExts, ext):
		return event.MsgVideo
	default:
		return event.MsgFile
	}
}

// Translator converts message content between Discord and Matrix. Files are
// staged on disk while in transit and removed afterwards on every path.
type Translator struct {
	matrix      MatrixAPI
	fetcher     media.Fetcher
	stager      *media.Stager
	maxFileSize int64
	formatter   *matrixfmt.Converter
	log         zerolog.Logger
}

// NewTranslator creates a translator. Files of cfg.MaxFileSize bytes or more
// are sent as links.
func NewTranslator(mx MatrixAPI, fetcher media.Fetcher, cfg *Config, log zerolog.Logger) *Translator {
	t := &Translator{
		matrix:      mx,
		fetcher:     fetcher,
		stager:      &media.Stager{Dir: cfg.MediaDir, MaxSize: cfg.MaxFileSize - 1},
		maxFileSize: cfg.MaxFileSize,
		log:         log.With().Str("component", "translator").Logger(),
	}
	t.formatter = &matrixfmt.Converter{Mention: t.ghostMention}
	return t
}

// ghostMention turns a pill of one of our ghosts back into a Discord mention.
func (t *Translator) ghostMention(userID id.UserID) (string, bool) {
	discordID, ok := ParseGhostUserID(userID, t.matrix.ServerName())
	if !ok {
		return "", false
	}
	return "<@" + discordID + ">", true
}

// DiscordToMatrix converts a Discord message into the Matrix events the ghost
// should send: the text first, then the first attachment. Further
// attachments are appended as links.
func (t *Translator) DiscordToMatrix(ctx context.Context, msg Message, ghost id.UserID) []*event.MessageEventContent {
	var out []*event.MessageEventContent
	text := msg.Content
	for _, att := range msg.Attachments[min(1, len(msg.Attachments)):] {
		text = strings.TrimSpace(text + "\n" + att.URL)
	}
	if text != "" {
		parsed := discordfmt.Parse(text)
		out = append(out, &event.MessageEventContent{
			MsgType:       event.MsgText,
			Body:          parsed.Body,
			Format:        parsed.Format,
			FormattedBody: parsed.FormattedBody,
		})
	}
	if len(msg.Attachments) > 0 {
		out = append(out, t.attachmentToMatrix(ctx, msg.Attachments[0], ghost))
	}
	return out
}

func (t *Translator) attachmentToMatrix(ctx context.Context, att Attachment, ghost id.UserID) *event.MessageEventContent {
	log := t.log.With().Str("filename", att.Filename).Int64("size", att.Size).Logger()
	if att.Size >= t.maxFileSize {
		log.Debug().Msg("Attachment over size limit, sending link")
		return attachmentLink(att)
	}
	content, err := t.uploadAttachment(ctx, att, ghost)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to relay attachment, sending link")
		return attachmentLink(att)
	}
	return content
}

func (t *Translator) uploadAttachment(ctx context.Context, att Attachment, ghost id.UserID) (*event.MessageEventContent, error) {
	body, err := t.fetcher.Fetch(ctx, att.URL)
	if err != nil {
		return nil, err
	}
	staged, err := t.stager.Stage(att.Filename, body)
	_ = body.Close()
	if err != nil {
		return nil, err
	}
	defer staged.Close()

	file, err := staged.Open()
	if err != nil {
		return nil, err
	}
	defer file.Close()
	uri, err := t.matrix.UploadMedia(ctx, ghost, file, staged.Size, staged.MimeType, att.Filename)
	if err != nil {
		return nil, remoteErr("upload attachment", err)
	}

	msgType := classifyAttachment(att.Filename)
	info := &event.FileInfo{
		MimeType: staged.MimeType,
		Size:     int(staged.Size),
		Width:    att.Width,
		Height:   att.Height,
	}
	if msgType == event.MsgAudio {
		info.Duration = int(media.ProbeDuration(staged).Milliseconds())
	}
	return &event.MessageEventContent{
		MsgType:  msgType,
		Body:     att.Filename,
		FileName: att.Filename,
		URL:      uri.CUString(),
		Info:     info,
	}, nil
}

func attachmentLink(att Attachment) *event.MessageEventContent {
	return &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    fmt.Sprintf("**Large File:** %s (%s)", att.URL, humanize.IBytes(uint64(max(att.Size, 0)))),
	}
}

// MatrixToDiscord converts Matrix message content into a webhook message.
// The returned cleanup function releases any staged file and must always be
// called, also when an error is returned.
func (t *Translator) MatrixToDiscord(ctx context.Context, content *event.MessageEventContent) (WebhookMessage, func(), error) {
	noop := func() {}
	switch content.MsgType {
	case event.MsgText, event.MsgNotice:
		return WebhookMessage{Content: matrixfmt.Truncate(t.formatter.Parse(content))}, noop, nil
	case event.MsgEmote:
		return WebhookMessage{Content: matrixfmt.Truncate("*" + t.formatter.Parse(content) + "*")}, noop, nil
	case event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
		return t.mediaToDiscord(ctx, content)
	default:
		return WebhookMessage{Content: content.Body}, noop, nil
	}
}

func (t *Translator) mediaToDiscord(ctx context.Context, content *event.MessageEventContent) (WebhookMessage, func(), error) {
	noop := func() {}
	uri, err := content.URL.Parse()
	if err != nil {
		return WebhookMessage{}, noop, fmt.Errorf("invalid media URL %q: %w", content.URL, err)
	}
	name := content.FileName
	if name == "" {
		name = content.Body
	}
	largeFile := WebhookMessage{Content: "**Large File:** " + t.matrix.MediaURL(uri)}
	if content.Info != nil && int64(content.Info.Size) >= t.maxFileSize {
		return largeFile, noop, nil
	}

	body, err := t.matrix.DownloadMedia(ctx, uri)
	if err != nil {
		return WebhookMessage{}, noop, &media.DownloadError{URL: uri.String(), Err: err}
	}
	staged, err := t.stager.Stage(name, body)
	_ = body.Close()
	if errors.Is(err, media.ErrTooLarge) {
		return largeFile, noop, nil
	} else if err != nil {
		return WebhookMessage{}, noop, err
	}
	file, err := staged.Open()
	if err != nil {
		_ = staged.Close()
		return WebhookMessage{}, noop, err
	}
	cleanup := func() {
		_ = file.Close()
		if err := staged.Close(); err != nil {
			t.log.Warn().Err(err).Str("path", staged.Path).Msg("Failed to remove staged file")
		}
	}
	msg := WebhookMessage{File: &OutboundFile{Name: name, ContentType: staged.MimeType, Reader: file}}
	if content.FileName != "" && content.Body != content.FileName {
		msg.Content = content.Body
	}
	return msg, cleanup, nil
}
