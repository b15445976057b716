package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

type fakeSQSClient struct {
	input *sqs.SendMessageInput
	err   error
}

func (f *fakeSQSClient) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("msg-123")}, nil
}

type fakeSNSClient struct {
	input *sns.PublishInput
	err   error
}

func (f *fakeSNSClient) Publish(_ context.Context, params *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &sns.PublishOutput{MessageId: aws.String("msg-123")}, nil
}

func TestSQSSinkSendSuccess(t *testing.T) {
	client := &fakeSQSClient{}
	sink := &sqsSink{id: "q", queueURL: "https://example.com/queue", client: client, log: noopLogger{}}

	err := sink.Send(context.Background(), NewEvent(KindItemFailed, SeverityError, "UC1", "boom"))
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if got := aws.ToString(client.input.QueueUrl); got != "https://example.com/queue" {
		t.Fatalf("QueueUrl = %s", got)
	}
	attr, ok := client.input.MessageAttributes["channel_id"]
	if !ok || aws.ToString(attr.StringValue) != "UC1" || aws.ToString(attr.DataType) != "String" {
		t.Fatalf("channel_id attribute missing or wrong: %#v", attr)
	}
	if !strings.Contains(aws.ToString(client.input.MessageBody), `"kind":"item_failed"`) {
		t.Fatalf("body missing kind: %s", aws.ToString(client.input.MessageBody))
	}
}

func TestSQSSinkSendError(t *testing.T) {
	sink := &sqsSink{id: "q", client: &fakeSQSClient{err: errors.New("boom")}, log: noopLogger{}}
	if err := sink.Send(context.Background(), Event{}); err == nil {
		t.Fatalf("expected error from Send")
	}
}

func TestSNSSinkSendSuccess(t *testing.T) {
	client := &fakeSNSClient{}
	sink := &snsSink{id: "t", topicARN: "arn:aws:sns:::topic", client: client, log: noopLogger{}}

	if err := sink.Send(context.Background(), NewEvent(KindChannelFault, SeverityError, "UC9", "panic")); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if got := aws.ToString(client.input.TopicArn); got != "arn:aws:sns:::topic" {
		t.Fatalf("TopicArn = %s", got)
	}
	if got := aws.ToString(client.input.Subject); got != string(KindChannelFault) {
		t.Fatalf("Subject = %s", got)
	}
	if attr := client.input.MessageAttributes["channel_id"]; aws.ToString(attr.StringValue) != "UC9" {
		t.Fatalf("channel_id attribute wrong: %#v", attr)
	}
}

func TestSNSSinkSendError(t *testing.T) {
	sink := &snsSink{id: "t", client: &fakeSNSClient{err: errors.New("boom")}, log: noopLogger{}}
	if err := sink.Send(context.Background(), Event{}); err == nil {
		t.Fatalf("expected error from Send")
	}
}
