package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/aclindsa/ofxgo"

	"github.com/Veraticus/the-spice-must-learn/internal/model"
)

var (
	severityRegex = regexp.MustCompile(`(?i)<SEVERITY>(Info|Warn|Error)</SEVERITY>`)
	// An SGML opening tag alone on a line with its closing bracket missing.
	unclosedTagRegex = regexp.MustCompile(`(?m)^(\s*<[A-Z][A-Z0-9._]*[A-Z0-9])$`)
)

// Prefixes banks put in front of the merchant name.
var merchantPrefixes = []string{
	"POS PURCHASE ",
	"PURCHASE AUTHORIZED ON ",
	"DEBIT CARD PURCHASE ",
	"ACH DEBIT ",
	"CHECK CARD ",
	"VISA PURCHASE ",
	"MC PURCHASE ",
	"DEBIT PURCHASE ",
}

// OFXReader reads unlabeled expense records from OFX/QFX statements. Income
// and transfers are skipped.
type OFXReader struct {
	flows *FlowDetector
}

// NewOFXReader creates an OFXReader using the default flow patterns.
func NewOFXReader() *OFXReader {
	flows, err := NewFlowDetector(DefaultFlowPatterns())
	if err != nil {
		panic(err) // the default patterns are constant
	}
	return &OFXReader{flows: flows}
}

// preprocess fixes common formatting issues in bank-exported OFX files.
func (p *OFXReader) preprocess(content string) string {
	content = strings.TrimLeft(content, " \t\r\n")
	content = severityRegex.ReplaceAllStringFunc(content, strings.ToUpper)
	return unclosedTagRegex.ReplaceAllString(content, "$1>")
}

// ReadFile reads the statement at path.
func (p *OFXReader) ReadFile(ctx context.Context, path string) ([]model.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return p.Read(ctx, f)
}

// Read parses the expenses of every bank and credit card statement in the
// file. Amounts are absolute values; the record source is "ofx:<account id>".
func (p *OFXReader) Read(ctx context.Context, reader io.Reader) ([]model.Record, error) {
	resp, err := p.parse(reader)
	if err != nil {
		return nil, err
	}

	var (
		records            []model.Record
		skipped            int
		bankStmts, ccStmts int
	)
	add := func(list *ofxgo.TransactionList, accountID ofxgo.String) {
		rs, n := p.convertList(list, string(accountID))
		records = append(records, rs...)
		skipped += n
	}
	for _, msg := range resp.Bank {
		if stmt, ok := msg.(*ofxgo.StatementResponse); ok {
			bankStmts++
			add(stmt.BankTranList, stmt.BankAcctFrom.AcctID)
		}
	}
	for _, msg := range resp.CreditCard {
		if stmt, ok := msg.(*ofxgo.CCStatementResponse); ok {
			ccStmts++
			add(stmt.BankTranList, stmt.CCAcctFrom.AcctID)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	slog.Info("Parsed OFX statement",
		"records", len(records),
		"skipped", skipped,
		"bank_statements", bankStmts,
		"cc_statements", ccStmts)
	return records, nil
}

func (p *OFXReader) parse(reader io.Reader) (*ofxgo.Response, error) {
	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read OFX file: %w", err)
	}
	resp, err := ofxgo.ParseResponse(strings.NewReader(p.preprocess(string(content))))
	if err != nil {
		return nil, fmt.Errorf("failed to parse OFX file: %w", err)
	}
	return resp, nil
}

// convertList returns the expenses in list and how many other transactions it
// skipped.
func (p *OFXReader) convertList(list *ofxgo.TransactionList, accountID string) ([]model.Record, int) {
	if list == nil {
		return nil, 0
	}
	out := make([]model.Record, 0, len(list.Transactions))
	skipped := 0
	for _, tx := range list.Transactions {
		amount, _ := tx.TrnAmt.Float64()
		if flow, pattern := p.flows.Classify(string(tx.Name), string(tx.Memo), amount); flow != FlowExpense {
			slog.Debug("Skipping non-expense transaction",
				"account", accountID,
				"name", string(tx.Name),
				"flow", flow,
				"pattern", pattern)
			skipped++
			continue
		}
		out = append(out, p.convert(tx, accountID))
	}
	return out, skipped
}

// convert builds a record from one transaction. The memo becomes the
// description unless it was already used as the merchant name.
func (p *OFXReader) convert(tx ofxgo.Transaction, accountID string) model.Record {
	vendor := p.extractMerchantName(tx)
	description := strings.TrimSpace(string(tx.Memo))
	if strings.EqualFold(description, vendor) {
		description = ""
	}

	amount, _ := tx.TrnAmt.Float64()
	if amount < 0 {
		amount = -amount
	}

	rec := model.NewRecord(vendor, description, "", model.Float(amount))
	rec.Date = tx.DtPosted.Time
	rec.Source = "ofx:" + accountID
	return rec
}

// extractMerchantName tries to get a clean merchant name from OFX data.
func (p *OFXReader) extractMerchantName(tx ofxgo.Transaction) string {
	if tx.Payee != nil && tx.Payee.Name != "" {
		return string(tx.Payee.Name)
	}

	name := string(tx.Name)
	if tx.Memo != "" && isGenericDescription(name) {
		name = string(tx.Memo)
	}
	name = strings.TrimSpace(name)

	for _, prefix := range merchantPrefixes {
		if strings.HasPrefix(strings.ToUpper(name), prefix) {
			name = name[len(prefix):]
			break
		}
	}

	// Leading "MM/DD " posting dates.
	if len(name) > 5 && name[2] == '/' && name[5] == ' ' {
		name = strings.TrimSpace(name[6:])
	}
	return name
}

// isGenericDescription checks if a transaction name is too generic to be a merchant.
func isGenericDescription(name string) bool {
	switch strings.ToUpper(name) {
	case "DEBIT", "CREDIT", "PURCHASE", "PAYMENT", "POS TRANSACTION", "CARD PURCHASE":
		return true
	}
	return false
}
