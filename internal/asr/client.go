package asr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Config struct {
	WSBaseURL   string
	AppID       string
	AccessToken string
	ResourceID  string
	ModelName   string
	Language    string
	Format      string
	Codec       string
	SampleRate  int
	DrainWait   time.Duration
}

// Event is one recognition update. Partial events carry the cumulative
// transcript so far; the Final event carries the complete turn transcript.
// An Err event terminates the stream.
type Event struct {
	Text  string
	Final bool
	Err   error
}

// Client opens one vendor connection per spoken turn and converts the
// binary frame protocol into a stream of transcript events.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel"
	}
	if cfg.ModelName == "" {
		cfg.ModelName = "bigmodel"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.DrainWait <= 0 {
		cfg.DrainWait = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger,
	}
}

type handshakeRequest struct {
	User    handshakeUser   `json:"user"`
	Audio   handshakeAudio  `json:"audio"`
	Request handshakeParams `json:"request"`
}

type handshakeUser struct {
	UID string `json:"uid"`
}

type handshakeAudio struct {
	Format   string `json:"format"`
	Rate     int    `json:"rate"`
	Bits     int    `json:"bits"`
	Channel  int    `json:"channel"`
	Language string `json:"language"`
	Codec    string `json:"codec"`
}

type handshakeParams struct {
	ModelName  string `json:"model_name"`
	EnableITN  bool   `json:"enable_itn"`
	EnablePunc bool   `json:"enable_punc"`
	ResultType string `json:"result_type"`
}

type recognitionPayload struct {
	Result []struct {
		Text string `json:"text"`
	} `json:"result"`
}

// Stream dials the vendor, forwards every chunk read from audio, and sends
// the end-of-stream marker when audio is closed. The returned channel emits
// partial transcripts as they arrive and closes after the final event.
func (c *Client) Stream(ctx context.Context, audio <-chan []byte) (<-chan Event, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	if err := c.sendHandshake(conn); err != nil {
		conn.Close()
		return nil, err
	}

	events := make(chan Event, 16)
	lastSent := make(chan struct{})
	done := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	// Once the end-of-stream marker is out, bound how long we wait for the
	// final result.
	go func() {
		select {
		case <-lastSent:
			conn.SetReadDeadline(time.Now().Add(c.cfg.DrainWait))
		case <-done:
		}
	}()

	go c.sendLoop(conn, audio, lastSent)
	go c.recvLoop(conn, events, lastSent, done)

	return events, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("X-Api-App-Key", c.cfg.AppID)
	header.Set("X-Api-Access-Key", c.cfg.AccessToken)
	header.Set("X-Api-Resource-Id", c.cfg.ResourceID)
	header.Set("X-Api-Connect-Id", uuid.NewString())

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.WSBaseURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("recognition dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("recognition dial: %w", err)
	}
	return conn, nil
}

func (c *Client) sendHandshake(conn *websocket.Conn) error {
	payload, err := json.Marshal(handshakeRequest{
		User: handshakeUser{UID: uuid.NewString()},
		Audio: handshakeAudio{
			Format:   c.cfg.Format,
			Rate:     c.cfg.SampleRate,
			Bits:     16,
			Channel:  1,
			Language: c.cfg.Language,
			Codec:    c.cfg.Codec,
		},
		Request: handshakeParams{
			ModelName:  c.cfg.ModelName,
			EnableITN:  true,
			EnablePunc: true,
			ResultType: "full",
		},
	})
	if err != nil {
		return err
	}
	frame, err := EncodeFrame(Frame{
		Type:          MessageTypeFullClientRequest,
		Serialization: SerializationJSON,
		Compression:   CompressionGzip,
		Payload:       payload,
	})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("recognition handshake: %w", err)
	}
	return nil
}

// sendLoop forwards audio chunks until the channel closes, then marks the
// end of the turn so the backend can flush its final result.
func (c *Client) sendLoop(conn *websocket.Conn, audio <-chan []byte, lastSent chan<- struct{}) {
	defer close(lastSent)

	for chunk := range audio {
		if len(chunk) == 0 {
			continue
		}
		frame, err := EncodeFrame(Frame{
			Type:        MessageTypeAudioOnlyRequest,
			Compression: CompressionGzip,
			Payload:     chunk,
		})
		if err != nil {
			c.logger.Warn("encode audio frame failed", zap.Error(err))
			continue
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			c.logger.Warn("forward audio chunk failed", zap.Error(err))
			// Drain the channel so the producer never blocks.
			for range audio {
			}
			return
		}
	}

	frame, err := EncodeFrame(Frame{
		Type:        MessageTypeAudioOnlyRequest,
		Flags:       FlagLastPacket,
		Compression: CompressionGzip,
	})
	if err != nil {
		return
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		c.logger.Warn("send end-of-stream marker failed", zap.Error(err))
	}
}

// recvLoop decodes backend frames into transcript events. After the
// end-of-stream marker goes out it waits at most DrainWait for the final
// result; whatever transcript was accumulated by then becomes the final.
func (c *Client) recvLoop(conn *websocket.Conn, events chan<- Event, lastSent <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer close(events)
	defer conn.Close()

	var lastText string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if turnEnded(lastSent) {
				events <- Event{Text: lastText, Final: true}
			} else {
				events <- Event{Err: fmt.Errorf("recognition stream: %w", err)}
			}
			return
		}

		frame, err := DecodeFrame(data)
		if err != nil {
			c.logger.Warn("undecodable recognition frame", zap.Error(err))
			continue
		}

		switch frame.Type {
		case MessageTypeError:
			events <- Event{Err: fmt.Errorf("recognition backend error: %s", strings.TrimSpace(string(frame.Payload)))}
			return
		case MessageTypeServerResponse:
			var res recognitionPayload
			if err := json.Unmarshal(frame.Payload, &res); err != nil {
				c.logger.Warn("unparseable recognition result", zap.Error(err))
				continue
			}
			if len(res.Result) > 0 && res.Result[0].Text != "" {
				lastText = res.Result[0].Text
				events <- Event{Text: lastText}
			}
			if frame.Flags&FlagLastPacket != 0 {
				events <- Event{Text: lastText, Final: true}
				return
			}
		}
	}
}

func turnEnded(lastSent <-chan struct{}) bool {
	select {
	case <-lastSent:
		return true
	default:
		return false
	}
}
