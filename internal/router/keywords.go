package router

// Default keyword tables. Each list carries English terms followed by literal
// translations in Chinese, Japanese, Russian, German and Spanish. Matching is
// case-insensitive; see containsKeyword for word-boundary rules.

var codeKeywords = []string{
	"function", "class", "import", "def", "select", "async", "await", "const",
	"return", "```", "typescript", "javascript", "python", "golang", "rust",
	"sql", "regex", "compile", "react", "component", "api", "endpoint",
	// zh
	"函数", "代码", "编程",
	// ja
	"関数", "コード", "プログラム",
	// ru
	"функци", "код", "программ",
	// de
	"funktion", "quellcode", "programmier",
	// es
	"función", "código", "programa",
}

var reasoningKeywords = []string{
	"prove", "proof", "theorem", "derive", "step by step", "chain of thought",
	"formally", "mathematical", "lemma", "contradiction", "induction",
	"rigorous", "logically", "deduce",
	// zh
	"证明", "定理", "推导", "逐步", "一步一步", "反证",
	// ja
	"証明", "導出", "ステップバイステップ", "段階的に", "論理的",
	// ru
	"доказать", "докажи", "доказательство", "теорема", "вывести", "шаг за шагом", "пошагово",
	// de
	"beweisen", "beweisführung", "herleiten", "schritt für schritt", "logisch",
	// es
	"demostrar", "demuestra", "teorema", "derivar", "paso a paso", "formalmente",
}

var simpleKeywords = []string{
	"what is", "define", "translate", "hello", "hi", "hey", "thanks", "thank you",
	"yes or no", "who is", "when was", "how many", "capital of", "meaning of",
	"how are you", "good morning",
	// zh
	"你好", "什么是", "是什么", "谢谢", "翻译", "定义",
	// ja
	"こんにちは", "とは", "何ですか", "ありがとう", "翻訳", "定義",
	// ru
	"привет", "что такое", "спасибо", "переведи", "кто такой", "сколько",
	// de
	"hallo", "was ist", "danke", "übersetze", "definiere", "wer ist",
	// es
	"hola", "qué es", "gracias", "traduce", "quién es", "cuántos",
}

var technicalKeywords = []string{
	"algorithm", "optimize", "architecture", "distributed", "kubernetes",
	"microservice", "database", "infrastructure", "concurrency", "latency",
	"scalab", "throughput", "encryption", "protocol", "compiler", "kernel",
	"load balanc", "consensus", "complexity",
	// zh
	"算法", "优化", "架构", "分布式", "数据库", "并发", "微服务",
	// ja
	"アルゴリズム", "最適化", "アーキテクチャ", "分散", "データベース", "並行",
	// ru
	"алгоритм", "оптимиз", "архитектур", "распределённ", "распределенн", "база данных", "параллел", "микросервис",
	// de
	"algorithmus", "optimier", "architektur", "verteilt", "datenbank", "nebenläufig", "skalierbar",
	// es
	"algoritmo", "optimizar", "arquitectura", "distribuido", "base de datos", "concurrencia", "escalab",
}

var creativeKeywords = []string{
	"story", "poem", "compose", "brainstorm", "creative", "imagine",
	"write a song", "fiction", "narrative", "lyrics",
	// zh
	"故事", "诗", "创作",
	// ja
	"物語", "詩", "創作",
	// ru
	"рассказ", "стихотворени", "сочини",
	// de
	"geschichte", "gedicht", "kreativ",
	// es
	"historia", "poema", "creativo",
}

var imperativeVerbs = []string{
	"build", "create", "implement", "design", "develop", "construct",
	"generate", "configure", "set up", "write", "refactor", "migrate",
	// zh
	"构建", "创建", "实现", "设计", "开发",
	// ja
	"構築", "作成", "実装", "設計", "開発",
	// ru
	"создай", "реализуй", "разработай", "построй", "напиши",
	// de
	"erstelle", "implementiere", "baue", "entwickle", "schreibe", "entwirf",
	// es
	"construye", "crear", "implementa", "diseña", "desarrolla", "escribe",
}

var constraintIndicators = []string{
	"at most", "at least", "within", "maximum", "minimum", "no more than",
	"must", "o(n", "limit", "constraint", "budget", "exactly",
	// zh
	"不超过", "至少", "最多", "必须",
	// ja
	"以内", "最大", "最小", "必ず",
	// ru
	"не более", "не менее", "максимум", "минимум", "должен",
	// de
	"höchstens", "mindestens", "maximal", "muss",
	// es
	"como máximo", "al menos", "máximo", "mínimo", "debe",
}

var outputFormatKeywords = []string{
	"json", "yaml", "xml", "table", "csv", "markdown", "schema", "format", "structured",
	// zh
	"表格", "格式",
	// ja
	"表形式", "フォーマット",
	// ru
	"таблиц", "формат",
	// de
	"tabelle", "strukturiert",
	// es
	"tabla", "formato",
}

var referenceKeywords = []string{
	"above", "below", "previous", "following", "the docs", "documentation",
	"as mentioned", "according to", "cite", "reference", "attached",
	// zh
	"上面", "参考", "如上",
	// ja
	"上記", "参照",
	// ru
	"выше", "ниже", "согласно", "ссылк",
	// de
	"oben", "unten", "gemäß", "siehe",
	// es
	"arriba", "abajo", "según", "referencia",
}

var negationKeywords = []string{
	"don't", "do not", "avoid", "never", "without", "except", "exclude", "not",
	// zh
	"不要", "避免", "除了", "不能",
	// ja
	"しないで", "避けて", "以外", "禁止",
	// ru
	"не", "без", "кроме", "избегай", "никогда",
	// de
	"nicht", "ohne", "außer", "vermeide", "niemals",
	// es
	"no", "sin", "excepto", "evita", "nunca",
}

var domainSpecificKeywords = []string{
	"quantum", "genomic", "fpga", "verilog", "blockchain", "cryptograph",
	"pharmacokinetic", "thermodynamic", "topology", "eigenvalue", "bayesian",
	"stochastic",
	// zh
	"量子", "基因组", "区块链", "密码学",
	// ja
	"ゲノム", "暗号",
	// ru
	"квантов", "геном", "блокчейн", "криптограф",
	// de
	"quanten", "kryptograph",
	// es
	"cuántic", "genómic", "criptograf",
}

var agenticTaskKeywords = []string{
	"read the file", "read file", "edit the", "modify", "update the",
	"run the tests", "run tests", "execute", "deploy", "install",
	"fix the bug", "debug", "until it works", "keep going", "iterate",
	"make sure", "verify", "create a file", "commit", "push to",
	"pull request",
	// zh
	"读取文件", "修改", "运行", "部署", "安装", "调试", "执行",
	// ja
	"ファイルを読", "修正して", "実行して", "デプロイ", "インストール", "デバッグ",
	// ru
	"прочитай файл", "измени", "запусти", "разверни", "установи", "исправь",
	// de
	"datei lesen", "ändere", "führe", "bereitstellen", "installiere", "behebe",
	// es
	"lee el archivo", "modifica", "ejecuta", "despliega", "instala", "corrige",
}
