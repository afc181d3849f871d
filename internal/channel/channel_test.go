package channel

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/google/uuid"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

type fakeSES struct {
	input *ses.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(_ context.Context, in *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &ses.SendEmailOutput{MessageId: aws.String("ses-1")}, nil
}

type fakeSNS struct {
	input *sns.PublishInput
}

func (f *fakeSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.input = in
	return &sns.PublishOutput{MessageId: aws.String("sns-1")}, nil
}

type fakeSendGrid struct {
	email  *mail.SGMailV3
	status int
}

func (f *fakeSendGrid) SendWithContext(_ context.Context, email *mail.SGMailV3) (*rest.Response, error) {
	f.email = email
	return &rest.Response{StatusCode: f.status, Body: "rejected"}, nil
}

type fakeTwilio struct {
	params *api.CreateMessageParams
	sid    *string
}

func (f *fakeTwilio) CreateMessage(params *api.CreateMessageParams) (*api.ApiV2010Message, error) {
	f.params = params
	return &api.ApiV2010Message{Sid: f.sid}, nil
}

func TestSESSender_SendEmail(t *testing.T) {
	client := &fakeSES{}
	s := NewSESSenderWithClient(client, "noreply@example.com", zap.NewNop())

	err := s.SendEmail(context.Background(), EmailMessage{ReminderID: uuid.New(), To: "a@example.com", Body: "Pay rent"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := client.input.Destination.ToAddresses[0]; got != "a@example.com" {
		t.Errorf("to = %s", got)
	}
	if got := aws.ToString(client.input.Message.Subject.Data); got != defaultSubject {
		t.Errorf("expected default subject, got %q", got)
	}

	client.err = errors.New("throttling")
	if err := s.SendEmail(context.Background(), EmailMessage{To: "a@example.com", Body: "x"}); err == nil {
		t.Error("expected provider error")
	}
}

func TestSenders_RejectIncompleteMessages(t *testing.T) {
	ctx := context.Background()
	email := NewSESSenderWithClient(&fakeSES{}, "noreply@example.com", zap.NewNop())
	sms := NewSNSSenderWithClient(&fakeSNS{}, "", zap.NewNop())

	if err := email.SendEmail(ctx, EmailMessage{Body: "x"}); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("expected ErrInvalidMessage for missing recipient, got %v", err)
	}
	if err := sms.SendSMS(ctx, SMSMessage{To: "+16502530000"}); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("expected ErrInvalidMessage for missing body, got %v", err)
	}
}

func TestSNSSender_SendSMS(t *testing.T) {
	client := &fakeSNS{}
	s := NewSNSSenderWithClient(client, "CHIME", zap.NewNop())

	if err := s.SendSMS(context.Background(), SMSMessage{To: "+16502530000", Body: "Standup in 5"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if aws.ToString(client.input.PhoneNumber) != "+16502530000" {
		t.Errorf("phone = %s", aws.ToString(client.input.PhoneNumber))
	}
	if aws.ToString(client.input.MessageAttributes["AWS.SNS.SMS.SenderID"].StringValue) != "CHIME" {
		t.Error("sender id attribute not set")
	}
}

func TestSendGridSender_NonSuccessStatusFails(t *testing.T) {
	client := &fakeSendGrid{status: http.StatusAccepted}
	s := NewSendGridSenderWithClient(client, SendGridConfig{FromEmail: "noreply@example.com"}, zap.NewNop())

	msg := EmailMessage{To: "ada@example.com", Subject: "Hi", Body: "Body", Context: map[string]any{"name": "Ada"}}
	if err := s.SendEmail(context.Background(), msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	if client.email.Subject != "Hi" {
		t.Errorf("subject = %q", client.email.Subject)
	}
	if got := client.email.Personalizations[0].To[0]; got.Address != "ada@example.com" || got.Name != "Ada" {
		t.Errorf("unexpected recipient: %+v", got)
	}

	client.status = http.StatusUnauthorized
	if err := s.SendEmail(context.Background(), msg); err == nil {
		t.Error("expected error for 401 response")
	}
}

func TestTwilioSender_SendSMS(t *testing.T) {
	sid := "SM123"
	client := &fakeTwilio{sid: &sid}
	s := NewTwilioSenderWithClient(client, "+15005550006", zap.NewNop())

	if err := s.SendSMS(context.Background(), SMSMessage{To: "+16502530000", Body: "hello"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if *client.params.To != "+16502530000" || *client.params.From != "+15005550006" {
		t.Errorf("unexpected params: to=%s from=%s", *client.params.To, *client.params.From)
	}

	client.sid = nil
	if err := s.SendSMS(context.Background(), SMSMessage{To: "+16502530000", Body: "hello"}); err == nil {
		t.Error("expected error when no SID is returned")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.SendSMS(ctx, SMSMessage{To: "+16502530000", Body: "hello"}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

type countingSMS struct{ n int }

func (c *countingSMS) SendSMS(context.Context, SMSMessage) error {
	c.n++
	return nil
}

func TestThrottledSMS_WaitsForTokens(t *testing.T) {
	next := &countingSMS{}
	s := NewThrottledSMS(next, 1, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := s.SendSMS(ctx, SMSMessage{}); err != nil {
		t.Fatalf("first send should use the burst token: %v", err)
	}
	if err := s.SendSMS(ctx, SMSMessage{}); err == nil {
		t.Error("second send should not get a token before the deadline")
	}
	if next.n != 1 {
		t.Errorf("expected 1 delivery, got %d", next.n)
	}
}

func TestThrottledEmail_Unlimited(t *testing.T) {
	s := NewThrottledEmail(NewLogSender(zap.NewNop()), 0, 0)
	for i := 0; i < 100; i++ {
		if err := s.SendEmail(context.Background(), EmailMessage{To: "a@example.com", Body: "x"}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
}

func TestRenderer_Render(t *testing.T) {
	r := NewRenderer()
	tests := []struct {
		name    string
		src     string
		data    map[string]any
		want    string
		wantErr bool
	}{
		{"plain text", "Pay rent", nil, "Pay rent", false},
		{"variables", "Hi {{.name}}, your {{.item}} is due", map[string]any{"name": "Ada", "item": "invoice"}, "Hi Ada, your invoice is due", false},
		{"missing key", "Hi {{.name}}!", map[string]any{}, "Hi !", false},
		{"missing key without data", "Hi {{.name}}!", nil, "Hi !", false},
		{"nil value", "Hi {{.name}}!", map[string]any{"name": nil}, "Hi !", false},
		{"literal placeholder text kept", "Reply <no value> to stop, {{.name}}", map[string]any{"name": "Ada"}, "Reply <no value> to stop, Ada", false},
		{"placeholder text in data kept", "Note: {{.note}}", map[string]any{"note": "<no value>"}, "Note: <no value>", false},
		{"missing nested key", "Hi {{.customer.name}}, {{.customer.city}}", map[string]any{"customer": map[string]any{"city": "Oslo"}}, "Hi , Oslo", false},
		{"missing key in function", `{{printf "%s!" .name}}`, nil, "!", false},
		{"missing key in condition", "{{if .vip}}VIP{{else}}standard{{end}}", nil, "standard", false},
		{"range over missing key", "[{{range .items}}{{.}}{{end}}]", nil, "[]", false},
		{"parse error", "Hi {{.name", nil, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Render(tt.src, tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderer_LeavesDataUntouched(t *testing.T) {
	r := NewRenderer()
	customer := map[string]any{"city": "Oslo"}
	data := map[string]any{"customer": customer}

	if _, err := r.Render("{{.name}} {{.customer.name}}", data); err != nil {
		t.Fatalf("render: %v", err)
	}
	if _, ok := data["name"]; ok {
		t.Error("top-level data gained a key")
	}
	if _, ok := customer["name"]; ok {
		t.Error("nested data gained a key")
	}
}

func TestMergeData_LaterLayersWin(t *testing.T) {
	got := MergeData(map[string]any{"name": "team", "item": "invoice"}, map[string]any{"name": "Ada"})
	if got["name"] != "Ada" || got["item"] != "invoice" {
		t.Errorf("unexpected merge: %v", got)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate("Hi {{.name}}"); err != nil {
		t.Errorf("valid template rejected: %v", err)
	}
	if err := Validate(""); err != nil {
		t.Errorf("empty template rejected: %v", err)
	}
	if err := Validate("Hi {{.name"); err == nil {
		t.Error("expected parse error")
	}
}
