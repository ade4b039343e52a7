package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"mailverifier/verifier"
)

func TestToModel(t *testing.T) {
	yes, no := true, false
	at := time.Date(2026, 3, 9, 8, 30, 0, 0, time.UTC)
	r := &verifier.Result{
		Address:     "jane@acme.io",
		Status:      verifier.StatusInvalid,
		Score:       0,
		SyntaxValid: &yes,
		MXValid:     &no,
		SMTPValid:   nil,
		MXRecords:   []string{"mx1.acme.io", "mx2.acme.io"},
		Reason:      "no MX records",
		SMTPCode:    550,
		CheckedAt:   at,
	}

	m := ToModel(12, r)
	assert.Equal(t, uint(12), m.JobID)
	assert.Equal(t, "jane@acme.io", m.Email)
	assert.Equal(t, "INVALID", m.Status)
	assert.Equal(t, &yes, m.SyntaxValid)
	assert.Equal(t, &no, m.MXValid)
	assert.Nil(t, m.SMTPValid)
	assert.Nil(t, m.DNSValid)
	assert.Equal(t, "mx1.acme.io,mx2.acme.io", m.MXRecords)
	assert.Equal(t, 550, m.SMTPCode)
	assert.Equal(t, at, m.CheckedAt)
}
