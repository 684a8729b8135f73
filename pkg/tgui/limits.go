package tgui

import "errors"

// MaxCallbackDataLen is Telegram's callback_data size limit in bytes.
const MaxCallbackDataLen = 64

// MaxButtonLabelRunes keeps inline button labels readable on phones.
const MaxButtonLabelRunes = 48

var ErrCallbackDataTooLong = errors.New("tgui: callback_data too long")
