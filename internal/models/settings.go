package models

// Settings holds operator-editable copy and the price.
type Settings struct {
	ID                 uint    `gorm:"primaryKey"`
	ChannelDescription string  `gorm:"type:text"`
	SupportLink        string  `gorm:"size:255"`
	WelcomeMessage     string  `gorm:"type:text"`
	PaidWelcomeMessage string  `gorm:"type:text"`
	PaymentAmount      float64 `gorm:"not null"`
	Currency           string  `gorm:"size:8"`
	PaymentDescription string  `gorm:"size:128"`
}

func DefaultSettings() Settings {
	return Settings{
		ChannelDescription: "Закрытый канал с эксклюзивными подборками и предложениями.",
		SupportLink:        "https://t.me/support",
		WelcomeMessage:     "Привет! Здесь можно оформить доступ в закрытый канал.",
		PaidWelcomeMessage: "🎉 Добро пожаловать в закрытый клуб! Доступ оплачен.",
		PaymentAmount:      399,
		Currency:           "RUB",
		PaymentDescription: "Доступ к закрытому Telegram каналу",
	}
}
