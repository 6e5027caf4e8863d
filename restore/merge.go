package restore

import (
	"encoding/json"
)

// providerKeys 为供应商/助手类设置键，与普通设置分开选择恢复动作
var providerKeys = map[string]struct{}{
	"assistants":             {},
	"providerConfigs":        {},
	"pinnedModels":           {},
	"providersOrder":         {},
	"searchServices":         {},
	"quickPhrases":           {},
	"assistantTags":          {},
	"assistantTagMap":        {},
	"assistantTagsCollapsed": {},
}

// isProviderKey 判断设置键属于哪个分区
func isProviderKey(key string) bool {
	_, ok := providerKeys[key]
	return ok
}

// mergeFunc 合并本地值与导入值，返回合并结果
type mergeFunc func(local, incoming json.RawMessage) (json.RawMessage, error)

// settingsMergers 为声明式的键到合并策略表，未列出的键
// 在合并模式下只在本地缺失时写入
var settingsMergers = map[string]mergeFunc{
	"assistants":             mergeAssistants,
	"providerConfigs":        mergeMapIncomingWins,
	"pinnedModels":           mergeStringSet,
	"assistantTags":          mergeTagList,
	"assistantTagMap":        mergeMapLocalWins,
	"assistantTagsCollapsed": mergeMapLocalWins,
	"providersOrder":         mergeReplace,
	"searchServices":         mergeReplace,
}

// decodeValue 解码设置值，兼容裸 JSON 和再编码为 JSON 字符串两种形式
func decodeValue(raw json.RawMessage, v any) error {
	direct := json.Unmarshal(raw, v)
	if direct == nil {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return direct
	}
	return json.Unmarshal([]byte(s), v)
}

// protectedAssistantFields 在助手合并后保留本地非空值的字段
var protectedAssistantFields = []string{"avatar", "background"}

// mergeAssistants 按助手 ID 合并：导入字段覆盖本地字段，
// 但 avatar 和 background 在本地非空时保留本地值，新 ID 追加
func mergeAssistants(local, incoming json.RawMessage) (json.RawMessage, error) {
	var localList, inList []map[string]any
	if err := decodeValue(local, &localList); err != nil {
		return nil, err
	}
	if err := decodeValue(incoming, &inList); err != nil {
		return nil, err
	}

	inByID := map[string]map[string]any{}
	var inOrder []string
	for _, a := range inList {
		id, ok := a["id"].(string)
		if !ok {
			continue
		}
		if _, dup := inByID[id]; !dup {
			inByID[id] = a
			inOrder = append(inOrder, id)
		}
	}

	seen := map[string]bool{}
	out := []map[string]any{}
	for _, la := range localList {
		id, _ := la["id"].(string)
		seen[id] = true
		ia, ok := inByID[id]
		if !ok {
			out = append(out, la)
			continue
		}
		merged := map[string]any{}
		for k, v := range la {
			merged[k] = v
		}
		for k, v := range ia {
			merged[k] = v
		}
		for _, field := range protectedAssistantFields {
			if lv, ok := la[field].(string); ok && lv != "" {
				merged[field] = lv
			}
		}
		out = append(out, merged)
	}
	for _, id := range inOrder {
		if !seen[id] {
			out = append(out, inByID[id])
		}
	}
	return json.Marshal(out)
}

// mergeMapIncomingWins 浅合并映射，键冲突时导入值优先（供应商配置）
func mergeMapIncomingWins(local, incoming json.RawMessage) (json.RawMessage, error) {
	var localMap, inMap map[string]json.RawMessage
	if err := decodeValue(local, &localMap); err != nil {
		return nil, err
	}
	if err := decodeValue(incoming, &inMap); err != nil {
		return nil, err
	}
	out := map[string]json.RawMessage{}
	for k, v := range localMap {
		out[k] = v
	}
	for k, v := range inMap {
		out[k] = v
	}
	return json.Marshal(out)
}

// mergeMapLocalWins 浅合并映射，键冲突时本地值优先（标签映射、折叠状态）
func mergeMapLocalWins(local, incoming json.RawMessage) (json.RawMessage, error) {
	var localMap, inMap map[string]json.RawMessage
	if err := decodeValue(local, &localMap); err != nil {
		return nil, err
	}
	if err := decodeValue(incoming, &inMap); err != nil {
		return nil, err
	}
	out := map[string]json.RawMessage{}
	for k, v := range inMap {
		out[k] = v
	}
	for k, v := range localMap {
		out[k] = v
	}
	return json.Marshal(out)
}

// mergeStringSet 字符串列表取并集去重（置顶模型）
func mergeStringSet(local, incoming json.RawMessage) (json.RawMessage, error) {
	var localList, inList []string
	if err := decodeValue(local, &localList); err != nil {
		return nil, err
	}
	if err := decodeValue(incoming, &inList); err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	out := []string{}
	for _, s := range append(localList, inList...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return json.Marshal(out)
}

// mergeTagList 按 ID 合并有序标签列表：本地顺序保持不变，
// 导入中新出现的标签按其相对顺序追加
func mergeTagList(local, incoming json.RawMessage) (json.RawMessage, error) {
	var localList, inList []map[string]any
	if err := decodeValue(local, &localList); err != nil {
		return nil, err
	}
	if err := decodeValue(incoming, &inList); err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	out := []map[string]any{}
	for _, tag := range localList {
		if id, ok := tag["id"].(string); ok {
			seen[id] = true
		}
		out = append(out, tag)
	}
	for _, tag := range inList {
		id, ok := tag["id"].(string)
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, tag)
	}
	return json.Marshal(out)
}

// mergeReplace 直接采用导入值（供应商顺序、搜索服务等小型有序列表）
func mergeReplace(local, incoming json.RawMessage) (json.RawMessage, error) {
	return incoming, nil
}
