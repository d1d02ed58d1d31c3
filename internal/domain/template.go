package domain

import "strings"

// RenderTemplate substitutes the {name} and {phone} placeholders with contact fields.
// A nil contact or empty field renders as an empty string.
func RenderTemplate(template string, contact *Contact) string {
	var name, phone string
	if contact != nil {
		name = contact.Name
		phone = contact.PhoneNumber
	}
	return strings.NewReplacer("{name}", name, "{phone}", phone).Replace(template)
}
