package gateway

import (
	"github.com/moov-io/iso8583"
	"github.com/moov-io/iso8583/encoding"
	"github.com/moov-io/iso8583/field"
	"github.com/moov-io/iso8583/prefix"
)

// Field numbers used by the acquirer messages.
const (
	fieldPAN             = 2
	fieldProcessingCode  = 3
	fieldAmount          = 4
	fieldTransmission    = 7
	fieldSTAN            = 11
	fieldPOSEntryMode    = 22
	fieldCardSequence    = 23
	fieldRRN             = 37
	fieldAuthCode        = 38
	fieldResponseCode    = 39
	fieldTerminalID      = 41
	fieldMerchantID      = 42
	fieldAdditionalData  = 48
	fieldCurrency        = 49
	fieldICCData         = 55
	fieldOriginalElement = 90
)

// Message type indicators.
const (
	mtiAuthorizationRequest  = "0100"
	mtiAuthorizationResponse = "0110"
	mtiReversalRequest       = "0400"
	mtiReversalResponse      = "0410"
)

// Spec is the ISO 8583:1987 ASCII dialect spoken with the acquirer host.
var Spec = &iso8583.MessageSpec{
	Name: "EMV Agent ISO 8583 ASCII",
	Fields: map[int]field.Field{
		0: field.NewString(&field.Spec{
			Length:      4,
			Description: "Message Type Indicator",
			Enc:         encoding.ASCII,
			Pref:        prefix.ASCII.Fixed,
		}),
		1: field.NewBitmap(&field.Spec{
			Length:      8,
			Description: "Bitmap",
			Enc:         encoding.BytesToASCIIHex,
			Pref:        prefix.Hex.Fixed,
		}),
		fieldPAN: field.NewString(&field.Spec{
			Length:      19,
			Description: "Primary Account Number",
			Enc:         encoding.ASCII,
			Pref:        prefix.ASCII.LL,
		}),
		fieldProcessingCode: field.NewString(&field.Spec{
			Length:      6,
			Description: "Processing Code",
			Enc:         encoding.ASCII,
			Pref:        prefix.ASCII.Fixed,
		}),
		fieldAmount: field.NewString(&field.Spec{
			Length:      12,
			Description: "Transaction Amount",
			Enc:         encoding.ASCII,
			Pref:        prefix.ASCII.Fixed,
		}),
		fieldTransmission: field.NewString(&field.Spec{
			Length:      10,
			Description: "Transmission Date & Time",
			Enc:         encoding.ASCII,
			Pref:        prefix.ASCII.Fixed,
		}),
		fieldSTAN: field.NewString(&field.Spec{
			Length:      6,
			Description: "Systems Trace Audit Number (STAN)",
			Enc:         encoding.ASCII,
			Pref:        prefix.ASCII.Fixed,
		}),
		fieldPOSEntryMode: field.NewString(&field.Spec{
			Length:      3,
			Description: "Point of Service Entry Mode",
			Enc:         encoding.ASCII,
			Pref:        prefix.ASCII.Fixed,
		}),
		fieldCardSequence: field.NewString(&field.Spec{
			Length:      3,
			Description: "Card Sequence Number",
			Enc:         encoding.ASCII,
			Pref:        prefix.ASCII.Fixed,
		}),
		fieldRRN: field.NewString(&field.Spec{
			Length:      12,
			Description: "Retrieval Reference Number",
			Enc:         encoding.ASCII,
			Pref:        prefix.ASCII.Fixed,
		}),
		fieldAuthCode: field.NewString(&field.Spec{
			Length:      6,
			Description: "Authorization Identification Response",
			Enc:         encoding.ASCII,
			Pref:        prefix.ASCII.Fixed,
		}),
		fieldResponseCode: field.NewString(&field.Spec{
			Length:      2,
			Description: "Response Code",
			Enc:         encoding.ASCII,
			Pref:        prefix.ASCII.Fixed,
		}),
		fieldTerminalID: field.NewString(&field.Spec{
			Length:      8,
			Description: "Card Acceptor Terminal Identification",
			Enc:         encoding.ASCII,
			Pref:        prefix.ASCII.Fixed,
		}),
		fieldMerchantID: field.NewString(&field.Spec{
			Length:      15,
			Description: "Card Acceptor Identification Code",
			Enc:         encoding.ASCII,
			Pref:        prefix.ASCII.Fixed,
		}),
		fieldAdditionalData: field.NewString(&field.Spec{
			Length:      999,
			Description: "Additional Data - Private",
			Enc:         encoding.ASCII,
			Pref:        prefix.ASCII.LLL,
		}),
		fieldCurrency: field.NewString(&field.Spec{
			Length:      3,
			Description: "Transaction Currency Code",
			Enc:         encoding.ASCII,
			Pref:        prefix.ASCII.Fixed,
		}),
		fieldICCData: field.NewBinary(&field.Spec{
			Length:      999,
			Description: "ICC Data - EMV Having Multiple Tags",
			Enc:         encoding.Binary,
			Pref:        prefix.ASCII.LLL,
		}),
		fieldOriginalElement: field.NewString(&field.Spec{
			Length:      42,
			Description: "Original Data Elements",
			Enc:         encoding.ASCII,
			Pref:        prefix.ASCII.Fixed,
		}),
	},
}
