// Package resources описывает Resource Declaration: статический граф
// инфраструктуры, которую использует release pipeline.
//
// Граф хранится как набор типизированных срезов (arena), записи ссылаются
// друг на друга индексами (NetworkID, ClusterID, ...). Декларация читается
// из YAML, имена разрешаются в индексы в Load, затем граф проверяется.
//
// Идентификаторы аккаунта (account id, region, hosted zone, external id)
// не зашиваются в код, а передаются через AccountConfig.
//
// Граф не имеет поведения во время выполнения: Outputs() отдаёт
// идентификаторы (RegistryURI, ClusterName, ServiceID), которые orchestrator
// подставляет в шаблоны action как {{ .Resources.<Key> }}.
package resources
