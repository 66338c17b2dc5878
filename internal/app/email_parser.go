/**
 * @description
 * This file parses inbound bank transfer notification emails into structured
 * transfer details. Banks format these notifications inconsistently, so the
 * parser tries a list of known subject/body patterns for each field and falls
 * back to a deterministic content hash when the bank supplies no usable
 * transfer identifier. That fallback keeps re-fetched emails detectable as
 * duplicates instead of turning them into fresh credits.
 */

package app

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ParsedTransfer holds the fields extracted from one notification email.
type ParsedTransfer struct {
	Amount        int64
	TransferID    string
	GroupToken    string // empty when no token was found
	TransferredAt *time.Time
}

var bankKeywords = []string{
	"轉帳通知", "入帳通知", "匯款通知", "存款通知",
	"transfer notification", "deposit notification",
	"台灣銀行", "中國信託", "國泰世華", "玉山銀行", "台新銀行",
}

var amountPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)金額[：:]\s*NT?\$?\s*([\d,]+)`),
	regexp.MustCompile(`(?i)存入[：:]\s*NT?\$?\s*([\d,]+)`),
	regexp.MustCompile(`(?i)轉帳金額[：:]\s*NT?\$?\s*([\d,]+)`),
	regexp.MustCompile(`(?i)匯款金額[：:]\s*NT?\$?\s*([\d,]+)`),
	regexp.MustCompile(`(?i)入帳[：:]\s*NT?\$?\s*([\d,]+)`),
	regexp.MustCompile(`(?i)amount[：:]\s*NT?\$?\s*([\d,]+)`),
}

var transferIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)交易序號[：:]\s*([A-Z0-9]+)`),
	regexp.MustCompile(`(?i)參考號碼[：:]\s*([A-Z0-9]+)`),
	regexp.MustCompile(`(?i)轉帳序號[：:]\s*([A-Z0-9]+)`),
	regexp.MustCompile(`(?i)transaction\s+id[：:]\s*([A-Z0-9]+)`),
	regexp.MustCompile(`(?i)reference[：:]\s*([A-Z0-9]+)`),
}

var transferTimePatterns = []*regexp.Regexp{
	regexp.MustCompile(`轉帳時間[：:]\s*(\d{4}[-/]\d{2}[-/]\d{2}\s+\d{2}:\d{2})`),
	regexp.MustCompile(`交易時間[：:]\s*(\d{4}[-/]\d{2}[-/]\d{2}\s+\d{2}:\d{2})`),
	regexp.MustCompile(`時間[：:]\s*(\d{4}[-/]\d{2}[-/]\d{2}\s+\d{2}:\d{2})`),
}

var groupTokenPattern = regexp.MustCompile(`(?i)GROUP_([A-Z0-9]+)`)

// IsTransferNotification reports whether the email looks like a bank
// transfer notification at all. Anything else is dropped before parsing.
func IsTransferNotification(subject, body string) bool {
	text := strings.ToLower(subject + " " + body)
	for _, keyword := range bankKeywords {
		if strings.Contains(text, strings.ToLower(keyword)) {
			return true
		}
	}
	return false
}

// ParseTransferEmail extracts transfer details from a notification email.
// It returns (nil, false) when no valid positive amount can be found, which
// marks the email as a non-transfer to be consumed without a record.
func ParseTransferEmail(subject, body string) (*ParsedTransfer, bool) {
	fullText := subject + "\n" + body

	var amount int64
	for _, pattern := range amountPatterns {
		if m := pattern.FindStringSubmatch(fullText); m != nil {
			raw := strings.ReplaceAll(m[1], ",", "")
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				continue
			}
			amount = parsed
			break
		}
	}
	if amount <= 0 {
		return nil, false
	}

	var transferID string
	for _, pattern := range transferIDPatterns {
		if m := pattern.FindStringSubmatch(fullText); m != nil {
			transferID = m[1]
			break
		}
	}
	if transferID == "" {
		transferID = deriveTransferID(fullText)
	}

	var groupToken string
	if m := groupTokenPattern.FindStringSubmatch(fullText); m != nil {
		groupToken = m[1]
	}

	var transferredAt *time.Time
	for _, pattern := range transferTimePatterns {
		if m := pattern.FindStringSubmatch(fullText); m != nil {
			raw := strings.ReplaceAll(m[1], "/", "-")
			t, err := time.Parse("2006-01-02 15:04", raw)
			if err != nil {
				continue
			}
			transferredAt = &t
			break
		}
	}

	return &ParsedTransfer{
		Amount:        amount,
		TransferID:    transferID,
		GroupToken:    groupToken,
		TransferredAt: transferredAt,
	}, true
}

// deriveTransferID builds a deterministic identifier from the email content
// so the same email always maps to the same idempotency key.
func deriveTransferID(fullText string) string {
	sum := sha256.Sum256([]byte(fullText))
	return "AUTO_" + hex.EncodeToString(sum[:])[:12]
}
