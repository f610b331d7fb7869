package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"

	"github.com/baldanca/superserial/stash"
)

type SQSConfig struct {
	WaitTimeSeconds int32 `mapstructure:"wait_time_seconds" validate:"gte=0,lte=20" yaml:"wait_time_seconds"`
	MaxMessages     int32 `mapstructure:"max_messages" validate:"gte=1,lte=10" yaml:"max_messages"`
	VisibilityTO    int32 `mapstructure:"visibility_timeout" validate:"gte=0" yaml:"visibility_timeout"`

	Pollers int `mapstructure:"pollers" validate:"gte=1" yaml:"pollers"`
	BufSize int `mapstructure:"buf_size" validate:"gte=1" yaml:"buf_size"`

	// IdleTimeout ends the sequence after this long without a message.
	// Zero waits until the context is done or the source is closed.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`

	// NackVisibilityTimeoutSeconds is applied to records handed back by Nack
	// and to messages that fail to decode. Nil leaves them to expire.
	NackVisibilityTimeoutSeconds *int32 `mapstructure:"nack_visibility_timeout" yaml:"nack_visibility_timeout,omitempty"`
}

func (c *SQSConfig) validate() {
	if c.WaitTimeSeconds < 0 || c.WaitTimeSeconds > 20 {
		panic("wait time seconds must be between 0 and 20")
	}
	if c.MaxMessages < 1 || c.MaxMessages > 10 {
		panic("max messages must be between 1 and 10")
	}
	if c.VisibilityTO < 0 {
		panic("visibility timeout must be non-negative")
	}
	if c.Pollers < 1 {
		panic("pollers must be at least 1")
	}
	if c.BufSize < 1 {
		panic("buffer size must be at least 1")
	}
	if c.IdleTimeout < 0 {
		panic("idle timeout must be non-negative")
	}
	if c.NackVisibilityTimeoutSeconds != nil && *c.NackVisibilityTimeoutSeconds < 0 {
		panic("nack visibility timeout seconds must be non-negative")
	}
}

var DefaultSQSConfig = SQSConfig{
	WaitTimeSeconds: 20,
	MaxMessages:     10,
	VisibilityTO:    30,
	Pollers:         3,
	BufSize:         256,
}

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	ChangeMessageVisibilityBatch(ctx context.Context, params *sqs.ChangeMessageVisibilityBatchInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error)
}

// AckMetadata identifies one received message for deletion or release.
type AckMetadata struct {
	ID     string
	Handle string
}

// SQS reads records from a queue. Message bodies use the DecodeRecord wire
// shape. Routed records are deleted by Ack in batches of ten.
type SQS struct {
	cfg SQSConfig

	client      sqsAPI
	queueURL    string
	queueURLPtr *string
	logger      zerolog.Logger

	bufCh chan *sqstypes.Message

	mu      sync.Mutex
	pending []AckMetadata

	closeOnce sync.Once
	cancel    context.CancelFunc

	wg sync.WaitGroup
}

func NewSQS(ctx context.Context, client sqsAPI, queueURL string, cfg SQSConfig, logger zerolog.Logger) *SQS {
	if client == nil {
		panic("sqs client is required")
	}
	if queueURL == "" {
		panic("queue url is required")
	}
	cfg.validate()

	ctx, cancel := context.WithCancel(ctx)

	s := &SQS{
		cfg:      cfg,
		client:   client,
		queueURL: queueURL,
		logger:   logger.With().Str("component", "SQS").Str("queue", queueURL).Logger(),
		bufCh:    make(chan *sqstypes.Message, cfg.BufSize),
		cancel:   cancel,
	}
	s.queueURLPtr = &s.queueURL

	s.startPollers(ctx)
	return s
}

func (s *SQS) startPollers(ctx context.Context) {
	s.wg.Add(s.cfg.Pollers)
	for i := 0; i < s.cfg.Pollers; i++ {
		go func() {
			defer s.wg.Done()
			s.pollLoop(ctx)
		}()
	}
	go func() {
		s.wg.Wait()
		close(s.bufCh)
	}()
}

func (s *SQS) pollLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		reqCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.WaitTimeSeconds+5)*time.Second)
		out, err := s.client.ReceiveMessage(reqCtx, &sqs.ReceiveMessageInput{
			QueueUrl:              s.queueURLPtr,
			MaxNumberOfMessages:   s.cfg.MaxMessages,
			WaitTimeSeconds:       s.cfg.WaitTimeSeconds,
			VisibilityTimeout:     s.cfg.VisibilityTO,
			MessageAttributeNames: []string{"All"},
		})
		cancel()

		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("receive failed")
			}
			select {
			case <-time.After(250 * time.Millisecond):
				continue
			case <-ctx.Done():
				return
			}
		}

		for i := range out.Messages {
			msg := &out.Messages[i]
			select {
			case s.bufCh <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Close stops polling. Buffered messages are still returned by Next, then
// Next reports io.EOF.
func (s *SQS) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
	})
}

// Next returns the next decoded message. A message that does not decode is
// released with the nack visibility timeout and reported as an error.
func (s *SQS) Next(ctx context.Context) (stash.Record, error) {
	var idle <-chan time.Time
	if s.cfg.IdleTimeout > 0 {
		t := time.NewTimer(s.cfg.IdleTimeout)
		defer t.Stop()
		idle = t.C
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-idle:
		return nil, io.EOF
	case m, ok := <-s.bufCh:
		if !ok {
			return nil, io.EOF
		}
		meta := metaOf(m)
		rec, err := DecodeRecord([]byte(aws.ToString(m.Body)))
		if err != nil {
			if rerr := s.release(ctx, []AckMetadata{meta}); rerr != nil {
				err = errors.Join(err, rerr)
			}
			return nil, fmt.Errorf("message %s: %w", meta.ID, err)
		}
		s.mu.Lock()
		s.pending = append(s.pending, meta)
		s.mu.Unlock()
		return rec, nil
	}
}

// Unbounded reports whether Next only ends with the context, which is the
// case without an IdleTimeout.
func (s *SQS) Unbounded() bool { return s.cfg.IdleTimeout == 0 }

// Ack deletes every message returned by Next since the last Ack or Nack.
func (s *SQS) Ack(ctx context.Context) error {
	return s.ackMetasBatch(ctx, s.takePending())
}

// Nack hands pending messages back to the queue.
func (s *SQS) Nack(ctx context.Context) error {
	return s.release(ctx, s.takePending())
}

func (s *SQS) takePending() []AckMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	metas := s.pending
	s.pending = nil
	return metas
}

func metaOf(m *sqstypes.Message) AckMetadata {
	id := aws.ToString(m.MessageId)
	if id == "" {
		id = strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	return AckMetadata{ID: id, Handle: aws.ToString(m.ReceiptHandle)}
}

func (s *SQS) ackMetasBatch(ctx context.Context, metas []AckMetadata) error {
	const max = 10

	entries := make([]sqstypes.DeleteMessageBatchRequestEntry, 0, max)
	in := sqs.DeleteMessageBatchInput{QueueUrl: s.queueURLPtr}

	for i := 0; i < len(metas); i += max {
		end := min(i+max, len(metas))

		entries = entries[:0]
		for j := i; j < end; j++ {
			entries = append(entries, sqstypes.DeleteMessageBatchRequestEntry{
				Id:            &metas[j].ID,
				ReceiptHandle: &metas[j].Handle,
			})
		}

		in.Entries = entries
		out, err := s.client.DeleteMessageBatch(ctx, &in)
		if err != nil {
			return err
		}
		if len(out.Failed) > 0 {
			f := out.Failed[0]
			return fmt.Errorf("sqs delete failed id=%s code=%s message=%s",
				aws.ToString(f.Id), aws.ToString(f.Code), aws.ToString(f.Message))
		}
	}
	return nil
}

// release changes the visibility of metas to the nack timeout. A single
// message uses ChangeMessageVisibility, more use the batch call.
func (s *SQS) release(ctx context.Context, metas []AckMetadata) error {
	if s.cfg.NackVisibilityTimeoutSeconds == nil || len(metas) == 0 {
		return nil
	}
	timeout := *s.cfg.NackVisibilityTimeoutSeconds

	if len(metas) == 1 {
		_, err := s.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
			QueueUrl:          s.queueURLPtr,
			ReceiptHandle:     &metas[0].Handle,
			VisibilityTimeout: timeout,
		})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	}

	const max = 10
	in := sqs.ChangeMessageVisibilityBatchInput{QueueUrl: s.queueURLPtr}
	entries := make([]sqstypes.ChangeMessageVisibilityBatchRequestEntry, 0, max)

	for i := 0; i < len(metas); i += max {
		end := min(i+max, len(metas))

		entries = entries[:0]
		for j := i; j < end; j++ {
			entries = append(entries, sqstypes.ChangeMessageVisibilityBatchRequestEntry{
				Id:                &metas[j].ID,
				ReceiptHandle:     &metas[j].Handle,
				VisibilityTimeout: timeout,
			})
		}

		in.Entries = entries
		out, err := s.client.ChangeMessageVisibilityBatch(ctx, &in)
		if err != nil {
			return err
		}
		if len(out.Failed) > 0 {
			f := out.Failed[0]
			return fmt.Errorf("sqs visibility batch failed id=%s code=%s message=%s",
				aws.ToString(f.Id), aws.ToString(f.Code), aws.ToString(f.Message))
		}
	}
	return nil
}
