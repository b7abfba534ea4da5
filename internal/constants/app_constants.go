package constants

import "time"

const (
	// 匹配流水线默认参数
	DefaultTopK          = 10  // 默认返回的最大匹配数
	DefaultMinSimilarity = 0.3 // 默认最低相似度阈值
	DefaultMatchWorkers  = 4   // 嵌入/解释阶段的并发上限

	// 外部搜索相关默认值
	DefaultExternalFetchLimit = 20 // 外部搜索单次请求的结果上限
	DefaultDirectCap          = 10 // 外部结果中公司直招的最大数量
	DefaultAggregatorCap      = 5  // 外部结果中聚合站点的最大数量
	DefaultSearchLocation     = "United States"

	// 各阶段默认超时预算
	DefaultPoolFetchTimeout   = 30 * time.Second
	DefaultEmbeddingTimeout   = 60 * time.Second
	DefaultExplanationTimeout = 120 * time.Second

	// 简历文本用于提取查询/生成解释的截断长度（字符数）
	QueryExtractExcerptLen = 2000
	ExplainExcerptLen      = 2000

	// 嵌入缓存默认容量（条目数）
	DefaultEmbeddingCacheSize = 1024
)
