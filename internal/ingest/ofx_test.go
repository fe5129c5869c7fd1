package ingest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/aclindsa/ofxgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Sample OFX data for testing.
const sampleBankOFX = `OFXHEADER:100
DATA:OFXSGML
VERSION:102
SECURITY:NONE
ENCODING:USASCII
CHARSET:1252
COMPRESSION:NONE
OLDFILEUID:NONE
NEWFILEUID:NONE

<OFX>
<SIGNONMSGSRSV1>
<SONRS>
<STATUS>
<CODE>0
<SEVERITY>INFO
</STATUS>
<DTSERVER>20240315120000[0:GMT]
<LANGUAGE>ENG
</SONRS>
</SIGNONMSGSRSV1>
<BANKMSGSRSV1>
<STMTTRNRS>
<TRNUID>1
<STATUS>
<CODE>0
<SEVERITY>INFO
</STATUS>
<STMTRS>
<CURDEF>USD
<BANKACCTFROM>
<BANKID>123456789
<ACCTID>1234567890
<ACCTTYPE>CHECKING
</BANKACCTFROM>
<BANKTRANLIST>
<DTSTART>20240101120000[0:GMT]
<DTEND>20240131120000[0:GMT]
<STMTTRN>
<TRNTYPE>DEBIT
<DTPOSTED>20240115120000[0:GMT]
<TRNAMT>-25.50
<FITID>2024011501
<NAME>STARBUCKS STORE #1234
</STMTTRN>
<STMTTRN>
<TRNTYPE>DEBIT
<DTPOSTED>20240120120000[0:GMT]
<TRNAMT>-125.00
<FITID>2024012001
<NAME>Whole Foods Market
</STMTTRN>
<STMTTRN>
<TRNTYPE>CHECK
<DTPOSTED>20240125120000[0:GMT]
<TRNAMT>-500.00
<FITID>2024012501
<CHECKNUM>1234
<NAME>CHECK #1234
</STMTTRN>
</BANKTRANLIST>
<LEDGERBAL>
<BALAMT>1000.00
<DTASOF>20240131120000[0:GMT]
</LEDGERBAL>
</STMTRS>
</STMTTRNRS>
</BANKMSGSRSV1>
</OFX>`

const sampleCreditCardOFX = `OFXHEADER:100
DATA:OFXSGML
VERSION:102
SECURITY:NONE
ENCODING:USASCII
CHARSET:1252
COMPRESSION:NONE
OLDFILEUID:NONE
NEWFILEUID:NONE

<OFX>
<SIGNONMSGSRSV1>
<SONRS>
<STATUS>
<CODE>0
<SEVERITY>INFO
</STATUS>
<DTSERVER>20240315120000[0:GMT]
<LANGUAGE>ENG
</SONRS>
</SIGNONMSGSRSV1>
<CREDITCARDMSGSRSV1>
<CCSTMTTRNRS>
<TRNUID>1
<STATUS>
<CODE>0
<SEVERITY>INFO
</STATUS>
<CCSTMTRS>
<CURDEF>USD
<CCACCTFROM>
<ACCTID>4111111111111111
</CCACCTFROM>
<BANKTRANLIST>
<DTSTART>20240101120000[0:GMT]
<DTEND>20240131120000[0:GMT]
<STMTTRN>
<TRNTYPE>DEBIT
<DTPOSTED>20240110120000[0:GMT]
<TRNAMT>-45.99
<FITID>CC2024011001
<NAME>AMAZON.COM*RT4Y7HG2
</STMTTRN>
<STMTTRN>
<TRNTYPE>DEBIT
<DTPOSTED>20240115120000[0:GMT]
<TRNAMT>-15.00
<FITID>CC2024011501
<NAME>NETFLIX.COM
</STMTTRN>
</BANKTRANLIST>
<LEDGERBAL>
<BALAMT>-500.00
<DTASOF>20240131120000[0:GMT]
</LEDGERBAL>
</CCSTMTRS>
</CCSTMTTRNRS>
</CREDITCARDMSGSRSV1>
</OFX>`

func TestOFXReader_Read(t *testing.T) {
	tests := []struct {
		name      string
		data      string
		wantCount int
		wantErr   bool
	}{
		{name: "bank statement", data: sampleBankOFX, wantCount: 3},
		{name: "credit card statement", data: sampleCreditCardOFX, wantCount: 2},
		{name: "invalid", data: "not valid OFX", wantErr: true},
		{name: "empty", data: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := NewOFXReader().Read(context.Background(), strings.NewReader(tt.data))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, records, tt.wantCount)
		})
	}
}

func TestOFXReader_BankRecords(t *testing.T) {
	records, err := NewOFXReader().Read(context.Background(), strings.NewReader(sampleBankOFX))
	require.NoError(t, err)
	require.Len(t, records, 3)

	first := records[0]
	assert.Equal(t, "starbucks store #1234", first.Text)
	assert.Empty(t, first.Label)
	require.NotNil(t, first.Amount)
	assert.InDelta(t, 25.50, *first.Amount, 1e-9)
	assert.Equal(t, "ofx:1234567890", first.Source)
	assert.Equal(t, 2024, first.Date.Year())
	assert.Equal(t, time.January, first.Date.Month())
	assert.Equal(t, 15, first.Date.Day())

	assert.Equal(t, "whole foods market", records[1].Text)
	assert.InDelta(t, 125.00, *records[1].Amount, 1e-9)
	assert.Equal(t, "check #1234", records[2].Text)
	assert.InDelta(t, 500.00, *records[2].Amount, 1e-9)
}

func TestOFXReader_CreditCardRecords(t *testing.T) {
	records, err := NewOFXReader().Read(context.Background(), strings.NewReader(sampleCreditCardOFX))
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "amazon.com*rt4y7hg2", records[0].Text)
	assert.InDelta(t, 45.99, *records[0].Amount, 1e-9)
	assert.Equal(t, "ofx:4111111111111111", records[0].Source)
	assert.Equal(t, "netflix.com", records[1].Text)
}

func TestOFXReader_ExtractMerchantName(t *testing.T) {
	tests := []struct {
		name string
		tx   ofxgo.Transaction
		want string
	}{
		{name: "remove POS prefix", tx: ofxgo.Transaction{Name: "POS PURCHASE STARBUCKS"}, want: "STARBUCKS"},
		{name: "remove DEBIT CARD prefix", tx: ofxgo.Transaction{Name: "DEBIT CARD PURCHASE WHOLE FOODS"}, want: "WHOLE FOODS"},
		{name: "keep clean name", tx: ofxgo.Transaction{Name: "NETFLIX.COM"}, want: "NETFLIX.COM"},
		{name: "trim whitespace", tx: ofxgo.Transaction{Name: "  AMAZON.COM  "}, want: "AMAZON.COM"},
		{name: "strip posting date", tx: ofxgo.Transaction{Name: "03/14 SHELL OIL"}, want: "SHELL OIL"},
		{name: "generic name uses memo", tx: ofxgo.Transaction{Name: "DEBIT", Memo: "KROGER #12"}, want: "KROGER #12"},
		{name: "payee wins", tx: ofxgo.Transaction{Name: "POS 1234", Payee: &ofxgo.Payee{Name: "Costco"}}, want: "Costco"},
	}
	reader := NewOFXReader()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, reader.extractMerchantName(tt.tx))
		})
	}
}

func TestOFXReader_MemoBecomesDescription(t *testing.T) {
	reader := NewOFXReader()
	tx := ofxgo.Transaction{Name: "SHELL OIL", Memo: "fuel pump 4"}
	assert.Equal(t, "shell oil fuel pump 4", reader.convert(tx, "1").Text)

	generic := ofxgo.Transaction{Name: "DEBIT", Memo: "KROGER"}
	assert.Equal(t, "kroger", reader.convert(generic, "1").Text)
}

func TestOFXReader_Preprocess(t *testing.T) {
	in := "\n\n<SEVERITY>Info</SEVERITY>\n<CODE\n"
	assert.Equal(t, "<SEVERITY>INFO</SEVERITY>\n<CODE>\n", NewOFXReader().preprocess(in))
}

func TestOFXReader_SkipsIncomeAndTransfers(t *testing.T) {
	extra := `<STMTTRN>
<TRNTYPE>CREDIT
<DTPOSTED>20240126120000[0:GMT]
<TRNAMT>2500.00
<FITID>2024012601
<NAME>ACME CORP PAYROLL
</STMTTRN>
<STMTTRN>
<TRNTYPE>DEBIT
<DTPOSTED>20240127120000[0:GMT]
<TRNAMT>-300.00
<FITID>2024012701
<NAME>ONLINE TRANSFER TO SAVINGS
</STMTTRN>
</BANKTRANLIST>`
	data := strings.Replace(sampleBankOFX, "</BANKTRANLIST>", extra, 1)

	records, err := NewOFXReader().Read(context.Background(), strings.NewReader(data))
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, r := range records {
		assert.NotContains(t, r.Text, "payroll")
		assert.NotContains(t, r.Text, "savings")
	}
}
