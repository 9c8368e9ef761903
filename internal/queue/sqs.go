package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

const receiveCountAttribute = "ApproximateReceiveCount"

// SQSAPI is the subset of the SQS client used here.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type Message struct {
	ID            string
	ReceiptHandle string
	Body          string
	ReceiveCount  int
}

type Outgoing struct {
	Body string
	// GroupID and DeduplicationID are only sent to FIFO queues.
	GroupID         string
	DeduplicationID string
}

type Options struct {
	BatchSize         int32
	WaitTimeSeconds   int32
	VisibilityTimeout int32
}

type Queue struct {
	client SQSAPI
	url    string
	fifo   bool
	opts   Options
	logger *slog.Logger
}

func New(client SQSAPI, url string, opts Options, logger *slog.Logger) *Queue {
	if opts.BatchSize <= 0 || opts.BatchSize > 10 {
		opts.BatchSize = 10
	}
	return &Queue{
		client: client,
		url:    url,
		fifo:   strings.HasSuffix(url, ".fifo"),
		opts:   opts,
		logger: logger,
	}
}

func (q *Queue) URL() string {
	return q.url
}

func (q *Queue) Send(ctx context.Context, msg Outgoing) error {
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.url),
		MessageBody: aws.String(msg.Body),
	}
	if q.fifo {
		input.MessageGroupId = aws.String(msg.GroupID)
		if msg.DeduplicationID != "" {
			input.MessageDeduplicationId = aws.String(msg.DeduplicationID)
		}
	}
	out, err := q.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("send message to %s: %w", q.url, err)
	}
	q.logger.Debug("message sent", "queue_url", q.url, "queue_message_id", aws.ToString(out.MessageId))
	return nil
}

func (q *Queue) Receive(ctx context.Context) ([]Message, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(q.url),
		MaxNumberOfMessages:         q.opts.BatchSize,
		WaitTimeSeconds:             q.opts.WaitTimeSeconds,
		VisibilityTimeout:           q.opts.VisibilityTimeout,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
	})
	if err != nil {
		return nil, fmt.Errorf("receive messages from %s: %w", q.url, err)
	}

	messages := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		count, _ := strconv.Atoi(m.Attributes[receiveCountAttribute])
		messages = append(messages, Message{
			ID:            aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Body:          aws.ToString(m.Body),
			ReceiveCount:  count,
		})
	}
	return messages, nil
}

func (q *Queue) Delete(ctx context.Context, msg Message) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(msg.ReceiptHandle),
	})
	if err != nil {
		return fmt.Errorf("delete message %s: %w", msg.ID, err)
	}
	return nil
}

// DeadLetterQueue moves poison messages aside once they have been received
// too many times.
type DeadLetterQueue struct {
	source          *Queue
	target          *Queue
	maxReceiveCount int
}

func NewDeadLetterQueue(source, target *Queue, maxReceiveCount int) *DeadLetterQueue {
	if maxReceiveCount <= 0 {
		maxReceiveCount = 5
	}
	return &DeadLetterQueue{source: source, target: target, maxReceiveCount: maxReceiveCount}
}

func (d *DeadLetterQueue) Exhausted(msg Message) bool {
	return msg.ReceiveCount >= d.maxReceiveCount
}

func (d *DeadLetterQueue) DeadLetter(ctx context.Context, msg Message) error {
	if d.target != nil {
		if err := d.target.Send(ctx, Outgoing{Body: msg.Body, GroupID: "dead-letter", DeduplicationID: msg.ID}); err != nil {
			return err
		}
	}
	d.source.logger.Warn("message dead-lettered",
		"queue_url", d.source.url,
		"queue_message_id", msg.ID,
		"receive_count", msg.ReceiveCount)
	return d.source.Delete(ctx, msg)
}
