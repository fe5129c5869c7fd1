package ingest

import (
	"fmt"
	"regexp"
	"strings"
)

// Flow is the direction of money in a bank transaction.
type Flow string

// Flows.
const (
	FlowExpense  Flow = "expense"
	FlowIncome   Flow = "income"
	FlowTransfer Flow = "transfer"
)

// FlowPattern recognizes a kind of transaction by its name or memo.
type FlowPattern struct {
	Name  string
	Flow  Flow
	Regex string
}

// DefaultFlowPatterns returns the built-in income and transfer patterns. Transfer
// patterns come first so "TRANSFER FROM SAVINGS" is not read as income.
func DefaultFlowPatterns() []FlowPattern {
	return []FlowPattern{
		{Name: "Account Transfer", Flow: FlowTransfer, Regex: `\b(TRANSFER|XFER|TFR|MOVE\s*MONEY|ACCOUNT\s*TO\s*ACCOUNT)\b`},
		{Name: "Wire Transfer", Flow: FlowTransfer, Regex: `\b(WIRE\s*IN|WIRE\s*OUT|WIRE\s*TRANSFER|WIRE\s*XFER)\b`},
		{Name: "Investment Transfer", Flow: FlowTransfer, Regex: `\b(401K|IRA|ROTH|BROKERAGE)\s*(CONTRIBUTION|TRANSFER|ROLLOVER)\b`},
		{Name: "Savings Transfer", Flow: FlowTransfer, Regex: `\b(TO\s*SAVINGS|FROM\s*SAVINGS|SAVINGS\s*TRANSFER)\b`},
		{Name: "Credit Card Payment", Flow: FlowTransfer, Regex: `\b(CC\s*PAYMENT|CREDIT\s*CARD\s*PAY|CARD\s*PAYMENT|PMT\s*TO)\b`},
		{Name: "Loan Payment", Flow: FlowTransfer, Regex: `\b(LOAN\s*PMT|MORTGAGE\s*PMT|AUTO\s*PMT|STUDENT\s*LOAN\s*PMT)\b`},

		{Name: "Direct Deposit", Flow: FlowIncome, Regex: `\b(DIRECTDEP|DIRECT\s*DEP|DIR\s*DEP|PAYROLL|SALARY|WAGES)\b`},
		{Name: "Interest Income", Flow: FlowIncome, Regex: `\b(INTEREST|INT\s*EARNED|DIVIDEND)\b`},
		{Name: "Refund", Flow: FlowIncome, Regex: `\b(REFUND|REIMB|REIMBURSEMENT|CASHBACK|CASH\s*BACK)\b`},
		{Name: "Tax Refund", Flow: FlowIncome, Regex: `\b(TAX\s*REF|IRS\s*TREAS|STATE\s*TAX\s*REF|FED\s*TAX\s*REF)\b`},
	}
}

type compiledFlowPattern struct {
	re *regexp.Regexp
	FlowPattern
}

// FlowDetector decides whether a transaction is an expense. Only expenses are
// useful for expense models.
type FlowDetector struct {
	patterns []compiledFlowPattern
}

// NewFlowDetector compiles patterns, matching case-insensitively.
func NewFlowDetector(patterns []FlowPattern) (*FlowDetector, error) {
	compiled := make([]compiledFlowPattern, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p.Regex)
		if err != nil {
			return nil, fmt.Errorf("failed to compile flow pattern %s: %w", p.Name, err)
		}
		compiled = append(compiled, compiledFlowPattern{FlowPattern: p, re: re})
	}
	return &FlowDetector{patterns: compiled}, nil
}

// Classify returns the flow of a transaction with the given signed amount;
// negative amounts are money leaving the account. Money coming in is never an
// expense. Money going out is an expense unless it matches a transfer pattern.
func (d *FlowDetector) Classify(name, memo string, amount float64) (Flow, string) {
	text := strings.TrimSpace(name + " " + memo)
	for _, p := range d.patterns {
		if amount < 0 && p.Flow != FlowTransfer {
			continue
		}
		if p.re.MatchString(text) {
			return p.Flow, p.Name
		}
	}
	if amount > 0 {
		return FlowIncome, ""
	}
	return FlowExpense, ""
}
