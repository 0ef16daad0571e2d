package template

// Языковые таблицы текстов. Заголовок фиксирован на шаблон, тело собирается
// из полей события. Поддерживаются en и ru; остальные языки откатываются на en.

import (
	"fmt"
	"strings"

	"marketnotify/internal/domain/event"
)

// titles: (язык, базовый шаблон) → заголовок. Для резолюций ключ усечён до
// resolution: исход попадает в тело.
var titles = map[string]map[string]string{
	"en": {
		"tx_large":           "Large transaction",
		"tx_medium":          "Transaction",
		"tx_small":           "Small transaction",
		"position_opened":    "Position opened",
		"position_closed":    "Position closed",
		"position_increased": "Position increased",
		"position_decreased": "Position decreased",
		"resolution":         "Market resolved",
		"price_major":        "Price moved",
		"price_minor":        "Price update",
		"volume_update":      "Volume update",
	},
	"ru": {
		"tx_large":           "Крупная сделка",
		"tx_medium":          "Сделка",
		"tx_small":           "Небольшая сделка",
		"position_opened":    "Позиция открыта",
		"position_closed":    "Позиция закрыта",
		"position_increased": "Позиция увеличена",
		"position_decreased": "Позиция уменьшена",
		"resolution":         "Рынок разрешён",
		"price_major":        "Цена изменилась",
		"price_minor":        "Обновление цены",
		"volume_update":      "Обновление объёма",
	},
}

// render собирает заголовок и тело уведомления для шаблона и языка.
func render(ev event.Event, templateID, lang string) (title, body string) {
	table, ok := titles[lang]
	if !ok {
		table = titles["en"]
	}

	titleKey := templateID
	if strings.HasPrefix(templateID, "resolution_") {
		titleKey = "resolution"
	}
	title = table[titleKey]
	if title == "" {
		title = titles["en"][titleKey]
	}

	body = renderBody(ev, lang)
	return title, body
}

// renderBody формирует тело по виду события. Числа выводятся каноничным
// decimal-представлением без потери точности.
func renderBody(ev event.Event, lang string) string {
	switch ev.Kind {
	case event.KindTransaction:
		if lang == "ru" {
			return fmt.Sprintf("%s на %s в рынке %s (кошелёк %s)",
				sideLabelRu(ev.Payload.Side), ev.Payload.Amount.String(), ev.SubjectMarket, shortWallet(ev.SubjectWallet))
		}
		return fmt.Sprintf("%s of %s on market %s (wallet %s)",
			sideLabelEn(ev.Payload.Side), ev.Payload.Amount.String(), ev.SubjectMarket, shortWallet(ev.SubjectWallet))

	case event.KindPositionUpdate:
		if lang == "ru" {
			return fmt.Sprintf("Позиция %s: размер %s (дельта %s) в рынке %s",
				string(ev.Payload.Action), ev.Payload.PositionSize.String(), ev.Payload.PositionDelta.String(), ev.SubjectMarket)
		}
		return fmt.Sprintf("Position %s: size %s (delta %s) on market %s",
			string(ev.Payload.Action), ev.Payload.PositionSize.String(), ev.Payload.PositionDelta.String(), ev.SubjectMarket)

	case event.KindResolution:
		if lang == "ru" {
			return fmt.Sprintf("Рынок %s разрешён с исходом «%s»", ev.SubjectMarket, ev.Payload.Outcome)
		}
		return fmt.Sprintf("Market %s resolved with outcome %q", ev.SubjectMarket, ev.Payload.Outcome)

	case event.KindPriceUpdate:
		if lang == "ru" {
			return fmt.Sprintf("Цена рынка %s: %s → %s",
				ev.SubjectMarket, ev.Payload.PriceBefore.String(), ev.Payload.PriceAfter.String())
		}
		return fmt.Sprintf("Market %s price: %s → %s",
			ev.SubjectMarket, ev.Payload.PriceBefore.String(), ev.Payload.PriceAfter.String())

	default: // volume_update
		if lang == "ru" {
			return fmt.Sprintf("Объём рынка %s: %s", ev.SubjectMarket, ev.Payload.Volume.String())
		}
		return fmt.Sprintf("Market %s volume: %s", ev.SubjectMarket, ev.Payload.Volume.String())
	}
}

// shortWallet усекает длинный адрес до читаемой формы 0xabcd…ef12.
func shortWallet(w string) string {
	if len(w) <= 12 {
		return w
	}
	return w[:6] + "…" + w[len(w)-4:]
}

func sideLabelEn(side string) string {
	switch side {
	case "buy":
		return "Buy"
	case "sell":
		return "Sell"
	default:
		return "Trade"
	}
}

func sideLabelRu(side string) string {
	switch side {
	case "buy":
		return "Покупка"
	case "sell":
		return "Продажа"
	default:
		return "Сделка"
	}
}
