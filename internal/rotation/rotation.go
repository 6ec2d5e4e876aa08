// Package rotation 實作輪詢選號
//
// 核心問題：
//
//	多個訪客同時進站時，如何把流量平均分散到多支 WhatsApp 號碼？
//
// 設計方案：
//
//	不另外維護游標，直接以「累計點擊數 mod 號碼數」決定下一支號碼。
//	輪詢狀態完全由 aggregate 的 clickCount 推導，沒有第二份狀態需要同步。
//
// Trade-offs：
//
//   - 優勢：無額外狀態、任何實例都能算出同一結果
//   - 代價：clickCount 被重置或跳號時，輪詢順序跟著改變
//   - 號碼順序有意義：調整順序會改變之後每個訪客看到的號碼
//
// 注意：寫入路徑使用「遞增後」的 clickCount，
// 第一次點擊（count 變成 1）選到的是 links[1 mod N] 而不是 links[0]。
// 既有的儀表板依賴這個順序，保持原樣。
package rotation

// SelectLink 依點擊數選出下一個連結
//
// links 為空時回傳空字串（沒有可用連結）。
func SelectLink(links []string, clickCount int64) string {
	n := int64(len(links))
	if n == 0 {
		return ""
	}

	idx := clickCount % n
	if idx < 0 {
		idx += n
	}
	return links[idx]
}
