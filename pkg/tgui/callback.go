package tgui

import "strings"

const dataSep = "|"

// Data packs an action id and value into callback data ("action|value").
func Data(actionID, value string) (string, error) {
	d := actionID + dataSep + value
	if len(d) > MaxCallbackDataLen {
		return "", ErrCallbackDataTooLong
	}
	return d, nil
}

// SplitData reverses Data. Data without a separator is an action id with an
// empty value.
func SplitData(data string) (actionID, value string) {
	// telebot prefixes unique-routed buttons with \f; ours never are.
	data = strings.TrimPrefix(data, "\f")
	actionID, value, _ = strings.Cut(data, dataSep)
	return actionID, value
}
