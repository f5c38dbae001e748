// Package validation содержит функции валидации входных данных.
package validation

import "unicode"

// Алфавит суффикса номера инвойса: заглавные буквы и цифры без O/0 и I/1.
const numberSuffixAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// IsValidInvoiceNumber проверяет формат номера инвойса: INV-YYYYMMDD-XXXX.
func IsValidInvoiceNumber(number string) bool {
	// "INV-" + 8 цифр даты + "-" + 4 символа суффикса
	if len(number) != 17 {
		return false
	}
	if number[:4] != "INV-" || number[12] != '-' {
		return false
	}

	for _, ch := range number[4:12] {
		if !unicode.IsDigit(ch) {
			return false
		}
	}

	month := int(number[8]-'0')*10 + int(number[9]-'0')
	day := int(number[10]-'0')*10 + int(number[11]-'0')
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return false
	}

	for i := 13; i < 17; i++ {
		if !inSuffixAlphabet(number[i]) {
			return false
		}
	}

	return true
}

func inSuffixAlphabet(b byte) bool {
	for i := 0; i < len(numberSuffixAlphabet); i++ {
		if numberSuffixAlphabet[i] == b {
			return true
		}
	}
	return false
}

// IsValidTxID проверяет форму идентификатора транзакции биржи:
// непустая шестнадцатеричная строка разумной длины.
func IsValidTxID(txID string) bool {
	if len(txID) < 8 || len(txID) > 128 {
		return false
	}
	for i := 0; i < len(txID); i++ {
		c := txID[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// IsValidDepositAddress проверяет базовую форму адреса депозита. Сравнение
// адресов при сверке всегда точное и регистрозависимое, здесь отсекается
// только очевидный мусор.
func IsValidDepositAddress(addr string) bool {
	if len(addr) < 10 || len(addr) > 128 {
		return false
	}
	for _, ch := range addr {
		if !unicode.IsLetter(ch) && !unicode.IsDigit(ch) {
			return false
		}
	}
	return true
}
