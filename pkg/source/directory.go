package source

import (
	"strings"

	"github.com/goccy/go-json"

	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/models"
)

// externalMarker appears in logins of guest accounts invited from other tenants.
const externalMarker = "#ext#"

type directoryItem struct {
	Login       string `json:"userPrincipalName" validate:"required"`
	DisplayName string `json:"displayName"`
	Mail        string `json:"mail" validate:"omitempty,email"`
	Company     string `json:"companyName"`
	Region      string `json:"country"`
}

// NormalizeDirectoryEntry maps one directory feed item onto a DirectoryEntry.
// An entry is external when its login carries the guest marker or its mail
// domain is not one of internalDomains. With no internal domains configured
// only the login marker is considered.
func NormalizeDirectoryEntry(raw json.RawMessage, internalDomains []string) (*models.DirectoryEntry, error) {
	var item directoryItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, invalid("decode directory item", err)
	}
	item.Login = strings.TrimSpace(item.Login)
	item.Mail = strings.TrimSpace(item.Mail)
	if err := validate.Struct(&item); err != nil {
		return nil, invalid("validate directory item", err)
	}

	login := strings.ToLower(item.Login)
	email := strings.ToLower(item.Mail)

	return &models.DirectoryEntry{
		SourceID:    login,
		DisplayName: strings.TrimSpace(item.DisplayName),
		Email:       email,
		Company:     strings.TrimSpace(item.Company),
		Region:      strings.TrimSpace(item.Region),
		IsExternal:  isExternal(login, email, internalDomains),
	}, nil
}

func isExternal(login, email string, internalDomains []string) bool {
	if strings.Contains(login, externalMarker) {
		return true
	}
	if len(internalDomains) == 0 || email == "" {
		return false
	}
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return true
	}
	domain := email[at+1:]
	for _, d := range internalDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return false
		}
	}
	return true
}
