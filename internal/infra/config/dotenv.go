package config

import (
	"os"

	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
)

// loadDotEnv читает .env по указанному пути. Отсутствующий файл не считается
// ошибкой: в контейнерных окружениях конфигурация приходит через окружение
// процесса, и .env там просто нет.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "stat .env")
	}
	if err := godotenv.Load(path); err != nil {
		return errors.Wrap(err, "parse .env")
	}
	return nil
}
