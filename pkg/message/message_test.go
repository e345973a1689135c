package message

import (
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-msh/pkg/model"
)

const partyType = "urn:oasis:names:tc:ebcore:partyid-type:unregistered"

func testUserMessage() *model.MessageUnit {
	u := model.NewUserMessageUnit("order-1@sender.example", &model.UserMessage{
		Sender:   &model.TradingPartner{PartyIDs: []model.PartyID{{ID: "sender", Type: partyType}}, Role: model.DefaultRole},
		Receiver: &model.TradingPartner{PartyIDs: []model.PartyID{{ID: "receiver", Type: partyType}}, Role: model.DefaultRole},
		CollaborationInfo: &model.CollaborationInfo{
			AgreementRef:   &model.AgreementRef{Name: "urn:agreement:1", PModeID: "pm-1"},
			Service:        &model.Service{Name: "urn:example:service"},
			Action:         "submitOrder",
			ConversationID: "conv-1",
			MPC:            "urn:example:mpc",
		},
		Properties: []model.Property{
			{Name: "originalSender", Value: "urn:sender"},
			{Name: "finalRecipient", Value: "urn:recipient"},
		},
		Payloads: []model.Payload{
			{Containment: model.ContainmentBody, MimeType: "application/xml"},
			{Containment: model.ContainmentAttachment, ContentID: "invoice@sender.example", MimeType: "application/pdf", Compressed: true},
			{Containment: model.ContainmentExternal, URI: "https://files.example/doc.xml"},
		},
	})
	u.Timestamp = time.Date(2024, 3, 1, 12, 30, 0, 123000000, time.UTC)
	return u
}

func TestEncodeDecode_UserMessage(t *testing.T) {
	in := &Message{
		Units: []*model.MessageUnit{testUserMessage()},
		Body:  []byte(`<inv:Order xmlns:inv="urn:invoice"><inv:ID>1</inv:ID></inv:Order>`),
		Parts: []Part{{ContentID: "invoice@sender.example", ContentType: "application/gzip", Data: []byte{0x1f, 0x8b, 1, 2}}},
	}
	data, contentType, err := Encode(in)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(contentType, "multipart/related"))
	assert.Contains(t, contentType, `type="application/soap+xml"`)

	out, err := Decode(contentType, data)
	require.NoError(t, err)
	assert.Equal(t, SOAP12, out.SOAPVersion)
	require.Len(t, out.Units, 1)

	u := out.Units[0]
	assert.Equal(t, "order-1@sender.example", u.MessageID)
	assert.Equal(t, "pm-1", u.PModeID)
	assert.True(t, u.Timestamp.Equal(testUserMessage().Timestamp))

	um := u.UserMessage()
	require.NotNil(t, um)
	assert.Equal(t, testUserMessage().UserMessage(), um)

	require.Len(t, out.Parts, 1)
	part := out.Part("cid:invoice@sender.example")
	require.NotNil(t, part)
	assert.Equal(t, []byte{0x1f, 0x8b, 1, 2}, part.Data)
	assert.Equal(t, "application/gzip", part.ContentType)

	body := etree.NewDocument()
	require.NoError(t, body.ReadFromBytes(out.Body))
	assert.Equal(t, "Order", body.Root().Tag)
	assert.Equal(t, "urn:invoice", body.Root().NamespaceURI())
}

func TestEncode_PrefixesEbMSElements(t *testing.T) {
	data, contentType, err := Encode(&Message{Units: []*model.MessageUnit{testUserMessage()}})
	require.NoError(t, err)
	assert.Equal(t, "application/soap+xml; charset=UTF-8", contentType)

	s := string(data)
	assert.Contains(t, s, `<eb:Messaging`)
	assert.Contains(t, s, `xmlns:eb="`+NsEbMS+`"`)
	assert.Contains(t, s, `<eb:UserMessage mpc="urn:example:mpc">`)
	assert.Contains(t, s, `<eb:Timestamp>2024-03-01T12:30:00.123Z</eb:Timestamp>`)
	assert.Contains(t, s, `S12:mustUnderstand="true"`)
	assert.NotContains(t, s, `<Messaging`)
	assert.NotContains(t, s, `<UserMessage`)
}

func TestEncodeDecode_Signals(t *testing.T) {
	receipt := model.NewSignalUnit("r-1@receiver", "order-1@sender", &model.Receipt{
		Content: []byte(`<ebbp:NonRepudiationInformation xmlns:ebbp="urn:ebbp"/>`),
	})
	errUnit := model.NewSignalUnit("e-1@receiver", "order-2@sender", &model.ErrorMessage{
		Errors: []model.EbmsError{
			model.ErrInvalidHeader.New("order-2@sender", "missing Service"),
			model.ErrEmptyMPC.New("", ""),
		},
	})
	pull := model.NewSignalUnit("p-1@receiver", "", &model.PullRequest{MPC: "urn:mpc:a"})
	for _, u := range []*model.MessageUnit{receipt, errUnit, pull} {
		u.Timestamp = time.Now()
	}

	data, contentType, err := Encode(&Message{Units: []*model.MessageUnit{receipt, errUnit, pull}})
	require.NoError(t, err)
	out, err := Decode(contentType, data)
	require.NoError(t, err)
	require.Len(t, out.Units, 3)

	r := out.Units[0].Receipt()
	require.NotNil(t, r)
	assert.Equal(t, "order-1@sender", out.Units[0].RefToMessageID)
	assert.Contains(t, string(r.Content), "NonRepudiationInformation")

	em := out.Units[1].ErrorMessage()
	require.NotNil(t, em)
	require.Len(t, em.Errors, 2)
	assert.Equal(t, "EBMS:0009", em.Errors[0].ErrorCode)
	assert.Equal(t, model.SeverityFailure, em.Errors[0].Severity)
	assert.Equal(t, "missing Service", em.Errors[0].Detail)
	assert.Equal(t, model.SeverityWarning, em.Errors[1].Severity)
	assert.True(t, em.HasFailure())

	pr := out.Units[2].PullRequest()
	require.NotNil(t, pr)
	assert.Equal(t, "urn:mpc:a", pr.MPC)
}

func TestEncodeDecode_SOAP11(t *testing.T) {
	data, contentType, err := Encode(&Message{SOAPVersion: SOAP11, Units: []*model.MessageUnit{testUserMessage()}})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(contentType, "text/xml"))

	out, err := Decode(contentType, data)
	require.NoError(t, err)
	assert.Equal(t, SOAP11, out.SOAPVersion)
}

func TestEncodeDecode_SecurityHeader(t *testing.T) {
	sec := `<wsse:Security xmlns:wsse="` + NsWSSE + `"><wsse:UsernameToken><wsse:Username>alice</wsse:Username></wsse:UsernameToken></wsse:Security>`
	data, contentType, err := Encode(&Message{Units: []*model.MessageUnit{testUserMessage()}, Security: []byte(sec)})
	require.NoError(t, err)

	out, err := Decode(contentType, data)
	require.NoError(t, err)
	require.NotNil(t, out.Security)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(out.Security))
	assert.Equal(t, NsWSSE, doc.Root().NamespaceURI())
	assert.Equal(t, "alice", doc.FindElement("//Username").Text())
}

func TestDecode_ForeignPrefixes(t *testing.T) {
	// default namespace and prefixes declared on the envelope
	envelope := `<?xml version="1.0"?>
<env:Envelope xmlns:env="http://www.w3.org/2003/05/soap-envelope" xmlns:ns2="` + NsEbMS + `">
  <env:Header>
    <ns2:Messaging env:mustUnderstand="true">
      <ns2:UserMessage>
        <ns2:MessageInfo>
          <ns2:Timestamp>2024-03-01T12:30:00</ns2:Timestamp>
          <ns2:MessageId>abc@peer</ns2:MessageId>
        </ns2:MessageInfo>
        <ns2:PartyInfo>
          <ns2:From><ns2:PartyId type="` + partyType + `">a</ns2:PartyId><ns2:Role>r</ns2:Role></ns2:From>
          <ns2:To><ns2:PartyId type="` + partyType + `">b</ns2:PartyId><ns2:Role>r</ns2:Role></ns2:To>
        </ns2:PartyInfo>
        <ns2:CollaborationInfo>
          <ns2:Service type="t">svc</ns2:Service>
          <ns2:Action>act</ns2:Action>
          <ns2:ConversationId>c</ns2:ConversationId>
        </ns2:CollaborationInfo>
      </ns2:UserMessage>
    </ns2:Messaging>
  </env:Header>
  <env:Body/>
</env:Envelope>`

	out, err := Decode("application/soap+xml", []byte(envelope))
	require.NoError(t, err)
	require.Len(t, out.Units, 1)
	u := out.Units[0]
	assert.Equal(t, "abc@peer", u.MessageID)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC), u.Timestamp)
	assert.Equal(t, "svc", u.UserMessage().CollaborationInfo.Service.Name)
	assert.Nil(t, out.Body)
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
	}{
		{"bad content type", "", "<x/>"},
		{"not xml", "application/soap+xml", "hello"},
		{"not an envelope", "application/soap+xml", "<foo/>"},
		{"no messaging", "application/soap+xml", `<S:Envelope xmlns:S="` + NsSOAPEnv + `"><S:Header/><S:Body/></S:Envelope>`},
		{"multipart without boundary", "multipart/related", "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.contentType, []byte(tt.body))
			assert.ErrorIs(t, err, ErrInvalidMessage)
		})
	}
}

func TestEncode_NoUnits(t *testing.T) {
	_, _, err := Encode(&Message{})
	assert.ErrorIs(t, err, ErrNoMessageUnits)
}

func TestMessagingXML_Deterministic(t *testing.T) {
	a, err := MessagingXML([]*model.MessageUnit{testUserMessage()})
	require.NoError(t, err)
	b, err := MessagingXML([]*model.MessageUnit{testUserMessage()})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	// a decoded copy encodes to the same bytes
	data, ct, err := Encode(&Message{Units: []*model.MessageUnit{testUserMessage()}})
	require.NoError(t, err)
	out, err := Decode(ct, data)
	require.NoError(t, err)
	c, err := MessagingXML(out.Units)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(c))
}

func TestNormalizeContentID(t *testing.T) {
	assert.Equal(t, "a@b", NormalizeContentID("cid:a@b"))
	assert.Equal(t, "a@b", NormalizeContentID("<a@b>"))
	assert.Equal(t, "a@b", NormalizeContentID("a@b"))
	assert.True(t, strings.HasSuffix(NewContentID(), "@"+contentIDDomain))
}
