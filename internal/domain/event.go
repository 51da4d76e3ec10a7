package domain

// Event — именованное событие с произвольным payload.
type Event struct {
	// ID — ULID, назначается шиной, если не передан.
	ID string `json:"id"`

	// Name — точное имя, по которому подбираются функции ("test/hello.world").
	Name string `json:"name"`

	Data map[string]any `json:"data,omitempty"`

	// Timestamp — unix-время в миллисекундах.
	Timestamp int64 `json:"ts"`
}

// Map возвращает событие как map для шаблонов и CEL-выражений.
func (e Event) Map() map[string]any {
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	return map[string]any{
		"id":   e.ID,
		"name": e.Name,
		"data": data,
		"ts":   e.Timestamp,
	}
}
