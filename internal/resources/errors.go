package resources

import "errors"

var (
	// ErrInvalidDeclaration — декларация не прошла проверку
	// (повторяющиеся имена, висячие ссылки, пропущенные поля).
	ErrInvalidDeclaration = errors.New("invalid resource declaration")

	// ErrUnknownResource — ресурс с таким именем не объявлен.
	ErrUnknownResource = errors.New("unknown resource")

	// ErrNoClientSecret — профиль клиента не выдаёт client secret.
	ErrNoClientSecret = errors.New("client profile has no secret")
)
