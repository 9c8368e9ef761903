package queue_test

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/payment-connector/internal/queue"
)

type mockSQS struct {
	sent       []*sqs.SendMessageInput
	deleted    []string
	messages   []types.Message
	receiveErr error
	receiveIn  *sqs.ReceiveMessageInput
}

func (m *mockSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.sent = append(m.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("sent-1")}, nil
}

func (m *mockSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	m.receiveIn = in
	if m.receiveErr != nil {
		return nil, m.receiveErr
	}
	return &sqs.ReceiveMessageOutput{Messages: m.messages}, nil
}

func (m *mockSQS) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	m.deleted = append(m.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

var _ = Describe("Queue", func() {
	var (
		client *mockSQS
		logger *slog.Logger
		ctx    context.Context
	)

	BeforeEach(func() {
		client = &mockSQS{}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		ctx = context.Background()
	})

	It("should set the message group only on FIFO queues", func() {
		fifo := queue.New(client, "https://sqs.local/events.fifo", queue.Options{}, logger)
		standard := queue.New(client, "https://sqs.local/tasks", queue.Options{}, logger)

		Expect(fifo.Send(ctx, queue.Outgoing{Body: "a", GroupID: "charge-1", DeduplicationID: "ev-1"})).To(Succeed())
		Expect(standard.Send(ctx, queue.Outgoing{Body: "b", GroupID: "charge-1"})).To(Succeed())

		Expect(client.sent).To(HaveLen(2))
		Expect(aws.ToString(client.sent[0].MessageGroupId)).To(Equal("charge-1"))
		Expect(aws.ToString(client.sent[0].MessageDeduplicationId)).To(Equal("ev-1"))
		Expect(client.sent[1].MessageGroupId).To(BeNil())
	})

	It("should read the approximate receive count", func() {
		// Given
		client.messages = []types.Message{{
			MessageId:     aws.String("m-1"),
			ReceiptHandle: aws.String("rh-1"),
			Body:          aws.String(`{}`),
			Attributes:    map[string]string{"ApproximateReceiveCount": "3"},
		}}
		q := queue.New(client, "https://sqs.local/payouts", queue.Options{BatchSize: 50, WaitTimeSeconds: 20}, logger)

		// When
		messages, err := q.Receive(ctx)

		// Then
		Expect(err).ToNot(HaveOccurred())
		Expect(messages).To(Equal([]queue.Message{{ID: "m-1", ReceiptHandle: "rh-1", Body: `{}`, ReceiveCount: 3}}))
		Expect(client.receiveIn.MaxNumberOfMessages).To(Equal(int32(10)))
		Expect(client.receiveIn.WaitTimeSeconds).To(Equal(int32(20)))
	})

	It("should wrap receive failures", func() {
		client.receiveErr = errors.New("throttled")
		q := queue.New(client, "https://sqs.local/payouts", queue.Options{}, logger)

		_, err := q.Receive(ctx)

		Expect(err).To(MatchError(ContainSubstring("throttled")))
	})

	Describe("DeadLetterQueue", func() {
		It("should copy the message to the target and delete it from the source", func() {
			source := queue.New(client, "https://sqs.local/payouts", queue.Options{}, logger)
			target := queue.New(client, "https://sqs.local/payouts-dlq", queue.Options{}, logger)
			dlq := queue.NewDeadLetterQueue(source, target, 0)
			msg := queue.Message{ID: "m-1", ReceiptHandle: "rh-1", Body: "payload", ReceiveCount: 5}

			Expect(dlq.Exhausted(msg)).To(BeTrue())
			Expect(dlq.Exhausted(queue.Message{ReceiveCount: 4})).To(BeFalse())
			Expect(dlq.DeadLetter(ctx, msg)).To(Succeed())

			Expect(client.sent).To(HaveLen(1))
			Expect(aws.ToString(client.sent[0].QueueUrl)).To(Equal("https://sqs.local/payouts-dlq"))
			Expect(client.deleted).To(Equal([]string{"rh-1"}))
		})
	})
})
